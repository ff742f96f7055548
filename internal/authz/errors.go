package authz

import "errors"

// ErrUnauthorized is the single denial surfaced to callers. Every
// token-verification failure, insufficient-scope condition, negative access
// decision, and malformed identity reference collapses to this error so that
// a caller probing the API cannot learn which part of its request was
// rejected. The underlying cause is written to the structured log only.
var ErrUnauthorized = errors.New("unauthorized")

// ConfigError indicates an operator mistake: an unsupported FHIR version, a
// missing or ambiguous token-verification mode, or an engine version
// mismatch. Unlike ErrUnauthorized it carries a distinguishing message,
// since the audience is the operator rather than an untrusted caller.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string {
	return e.msg
}

// NewConfigError creates a ConfigError with the given message.
func NewConfigError(msg string) *ConfigError {
	return &ConfigError{msg: msg}
}

// IsConfigError reports whether err is a configuration fault.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
