package logging

import "log/slog"

// Common field names for consistent logging across the service.
const (
	FieldService   = "service"
	FieldDetector  = "detector"
	FieldPrincipal = "principal"
	FieldIP        = "ip"
	FieldUsername  = "username"
	FieldPath      = "path"
	FieldError     = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Detector returns a slog attribute for a detector name.
func Detector(name string) slog.Attr {
	return slog.String(FieldDetector, name)
}

// Principal returns a slog attribute for a scoped principal key.
func Principal(key string) slog.Attr {
	return slog.String(FieldPrincipal, key)
}

// Err returns a slog attribute for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
