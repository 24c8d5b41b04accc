// Package buildcoordinator resolves the magic-string input references
// (image_build:, test_output:) a run's test/eval inputs may contain into
// concrete image URLs and test-output values, and coordinates the
// at-most-one-active-build invariant for the software versions those
// references name (spec.md §4.3).
package buildcoordinator

import (
	"fmt"
	"regexp"
	"strings"
)

// Ref is a parsed input reference: an ImageBuildRef, a TestOutputRef, or a
// Literal value that needs no resolution.
type Ref interface{ isRef() }

// ImageBuildRef names a software build product, e.g.
// "image_build:gatk|v4.2.0" or "image_build:gatk|abc123...".
type ImageBuildRef struct {
	Software    string
	CommitOrTag string
}

func (ImageBuildRef) isRef() {}

// TestOutputRef names a test-phase workflow output feeding an eval input,
// e.g. "test_output:my_workflow.out_bam".
type TestOutputRef struct {
	Workflow string
	Output   string
}

func (TestOutputRef) isRef() {}

// Literal is any input value with no magic-string prefix.
type Literal struct{ Value string }

func (Literal) isRef() {}

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// IsCommitHash reports whether s looks like a full git commit hash, as
// opposed to a tag name (spec.md §4.3 step 2).
func IsCommitHash(s string) bool {
	return commitHashPattern.MatchString(s)
}

// ParseRef classifies a single input string value.
func ParseRef(s string) (Ref, error) {
	switch {
	case strings.HasPrefix(s, "image_build:"):
		body := strings.TrimPrefix(s, "image_build:")
		parts := strings.SplitN(body, "|", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed image_build reference %q: want image_build:<software>|<commit_or_tag>", s)
		}
		return ImageBuildRef{Software: parts[0], CommitOrTag: parts[1]}, nil
	case strings.HasPrefix(s, "test_output:"):
		body := strings.TrimPrefix(s, "test_output:")
		idx := strings.LastIndex(body, ".")
		if idx <= 0 || idx == len(body)-1 {
			return nil, fmt.Errorf("malformed test_output reference %q: want test_output:<workflow>.<output>", s)
		}
		return TestOutputRef{Workflow: body[:idx], Output: body[idx+1:]}, nil
	default:
		return Literal{Value: s}, nil
	}
}

// ScanStrings walks every string leaf of a decoded JSON value (map, slice,
// or scalar) and calls ParseRef on each, returning only the non-Literal
// refs found — the set the build coordinator needs to resolve before a run
// can proceed out of `created`/`building` (spec.md §4.3 step 1).
func ScanStrings(value interface{}) ([]Ref, error) {
	var refs []Ref
	var walk func(interface{}) error
	walk = func(v interface{}) error {
		switch vv := v.(type) {
		case string:
			ref, err := ParseRef(vv)
			if err != nil {
				return err
			}
			if _, ok := ref.(Literal); !ok {
				refs = append(refs, ref)
			}
		case map[string]interface{}:
			for _, child := range vv {
				if err := walk(child); err != nil {
					return err
				}
			}
		case []interface{}:
			for _, child := range vv {
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(value); err != nil {
		return nil, err
	}
	return refs, nil
}
