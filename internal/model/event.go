package model

import (
	"strings"
	"time"
)

// SecurityEvent is one normalized request observation. It is built once per
// request by the extraction layer and consumed read-only by every detector.
type SecurityEvent struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	RemoteAddr  string `json:"remote_addr,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// All headers and query params, multi-valued.
	Headers map[string][]string `json:"headers,omitempty"`
	Query   map[string][]string `json:"query_params,omitempty"`

	// Raw request body.
	Body []byte `json:"body,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	IP            string `json:"ip,omitempty"`
	Username      string `json:"username,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Header returns the first non-blank value of the first header whose name
// matches case-insensitively, or "" if none.
func (e *SecurityEvent) Header(name string) string {
	if e == nil || len(e.Headers) == 0 || name == "" {
		return ""
	}
	for k, vals := range e.Headers {
		if !strings.EqualFold(k, name) {
			continue
		}
		for _, v := range vals {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// IsLoginAttempt reports whether the event carries enough identity to be
// counted as a credential attempt.
func (e *SecurityEvent) IsLoginAttempt() bool {
	return strings.TrimSpace(e.Username) != "" && strings.TrimSpace(e.IP) != ""
}
