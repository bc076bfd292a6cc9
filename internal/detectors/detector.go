// Package detectors implements the individual threat detectors the
// engine runs over each security event.
package detectors

import (
	"context"
	"strings"

	"github.com/jasmin-sec/apiguard/internal/model"
)

// Detector inspects one event and either returns a verdict describing a
// threat, nil for "no threat", or an error. An error means the detector
// could not decide; the engine records it as an abstention rather than
// guessing.
type Detector interface {
	Name() string
	Detect(ctx context.Context, ev *model.SecurityEvent) (*model.Verdict, error)
}

// pathExcluded reports whether path matches any exclusion. An exclusion
// ending in "*" matches as a prefix, otherwise it matches exactly.
func pathExcluded(path string, exclusions []string) bool {
	for _, ex := range exclusions {
		if p, ok := strings.CutSuffix(ex, "*"); ok {
			if strings.HasPrefix(path, p) {
				return true
			}
		} else if path == ex {
			return true
		}
	}
	return false
}

// allowlisted reports whether value appears in the allowlist,
// case-insensitively.
func allowlisted(value string, allowlist []string) bool {
	for _, a := range allowlist {
		if strings.EqualFold(value, a) {
			return true
		}
	}
	return false
}
