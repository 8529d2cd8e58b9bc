package storage

import "testing"

var contractOptions = Options{MaxObjectSize: 1024}

func TestMemoryObjectStore(t *testing.T) {
	testObjectStoreContract(t, NewMemoryObjectStore(contractOptions))
}

func TestMemoryRefStore(t *testing.T) {
	testRefStoreContract(t, NewMemoryRefStore())
}
