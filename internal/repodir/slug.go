package repodir

import (
	"fmt"
	"strings"
)

const (
	maxSegmentLength = 100
	repoSuffix       = ".repo"
)

// InvalidSlugError is returned before any path is derived from a bad slug.
type InvalidSlugError struct {
	Slug   string
	Reason string
}

func (e *InvalidSlugError) Error() string {
	return fmt.Sprintf("invalid repository slug %q: %s", e.Slug, e.Reason)
}

// ValidateSlug accepts "name" or "owner/name" where each segment is lowercase
// alphanumerics plus '.', '_' and '-'. Segments may not start with a dot or
// end in ".repo", which keeps them clear of the trash directory and of other
// repositories' roots.
func ValidateSlug(slug string) error {
	if slug == "" {
		return &InvalidSlugError{Slug: slug, Reason: "empty"}
	}
	segments := strings.Split(slug, "/")
	if len(segments) > 2 {
		return &InvalidSlugError{Slug: slug, Reason: "at most one '/' allowed"}
	}
	for _, seg := range segments {
		if err := validateSegment(seg); err != "" {
			return &InvalidSlugError{Slug: slug, Reason: err}
		}
	}
	return nil
}

func validateSegment(seg string) string {
	switch {
	case seg == "":
		return "empty segment"
	case len(seg) > maxSegmentLength:
		return "segment too long"
	case seg[0] == '.':
		return "segment may not start with '.'"
	case strings.HasSuffix(seg, repoSuffix):
		return "segment may not end in " + repoSuffix
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return fmt.Sprintf("character %q not allowed", r)
		}
	}
	return ""
}
