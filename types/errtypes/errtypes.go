// Package errtypes contains custom error types
package errtypes

import (
	"fmt"
	"strings"
)

const (
	InvalidConfigurationErrMsg = "invalid configuration"
	MissingSentinelErrMsg      = "missing required token"
	MalformedDataErrMsg        = "malformed data"
)

// ConfigurationError reports invalid or conflicting arguments, or a supplied
// vocabulary that cannot be used.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", InvalidConfigurationErrMsg, e.Reason)
	}

	return fmt.Sprintf("%s %q: %s", InvalidConfigurationErrMsg, strings.TrimSpace(e.Field), e.Reason)
}

// IOError wraps a failure to read or write one of the files a conversion
// touches. The underlying error is kept so callers can still match on
// fs.ErrNotExist and friends.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

type FormatError struct {
	Path   string
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s %s:%d: %s", MalformedDataErrMsg, e.Path, e.Line, e.Reason)
	}

	return fmt.Sprintf("%s %s: %s", MalformedDataErrMsg, e.Path, e.Reason)
}
