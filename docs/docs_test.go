package docs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestOpenAPIParses(t *testing.T) {
	var doc struct {
		OpenAPI string         `yaml:"openapi"`
		Paths   map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(OpenAPI, &doc))
	require.Equal(t, "3.0.3", doc.OpenAPI)
	for _, path := range []string{"/repos", "/refs", "/push", "/pull", "/objects/{hash}", "/transfers"} {
		require.Contains(t, doc.Paths, path)
	}
}
