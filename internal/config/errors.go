package config

import "errors"

// ErrMissingConfig and ErrInvalidConfig are the two config.Load failure
// modes spec.md §4.4 names. Wrap with fmt.Errorf("%w: ...") for detail;
// callers match with errors.Is.
var (
	ErrMissingConfig = errors.New("config: missing config.json")
	ErrInvalidConfig = errors.New("config: invalid config.json")
)
