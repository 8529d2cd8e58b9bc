package transfer

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/onexay/forge/internal/types"
)

func renderRefs(refs map[string]string) string {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(refs[name])
		b.WriteByte('\n')
	}
	return b.String()
}

// applyUpdates returns the ref table that results from committing updates on
// top of before.
func applyUpdates(before []types.Ref, updates []types.RefUpdate) map[string]string {
	after := make(map[string]string, len(before)+len(updates))
	for _, ref := range before {
		after[ref.Name] = ref.Hash
	}
	for _, u := range updates {
		if u.IsDelete() {
			delete(after, u.Name)
			continue
		}
		after[u.Name] = u.New
	}
	return after
}

// refDiff renders a unified diff of the ref table across one commit.
func refDiff(before []types.Ref, updates []types.RefUpdate, label string) string {
	previous := make(map[string]string, len(before))
	for _, ref := range before {
		previous[ref.Name] = ref.Hash
	}
	a := renderRefs(previous)
	b := renderRefs(applyUpdates(before, updates))
	if a == b {
		return ""
	}

	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "refs",
		ToFile:   "refs@" + label,
		Context:  3,
	}
	res, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return strings.TrimSpace(b)
	}
	return strings.TrimSpace(res)
}
