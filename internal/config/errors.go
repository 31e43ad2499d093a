package config

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for configuration problems. Use errors.Is to match them;
// they always arrive wrapped in a *ConfigError that names the offending key.
var (
	ErrMissingRepository   = errors.New("missing repository")
	ErrAmbiguousCredential = errors.New("passphrase and passcommand are exclusive")
	// ErrInvalidCompression also covers levels borg rejects: zstd takes 1-22,
	// zlib and lzma take 0-9, none and lz4 take no level.
	ErrInvalidCompression  = errors.New("invalid compression")
	ErrUnknownTemplate     = errors.New("unknown template")
	ErrInvalidType         = errors.New("invalid type")
	ErrInvalidValue        = errors.New("invalid value")
	ErrMissingKey          = errors.New("missing key")
	ErrConflictingKeys     = errors.New("conflicting keys")
)

// ConfigError is a configuration error located at a key path,
// e.g. "invalid compression at backup.2.compression".
type ConfigError struct {
	Path []string
	Err  error
}

func (e *ConfigError) Error() string {
	if len(e.Path) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v at %s", e.Err, e.Key())
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Key returns the dotted key path.
func (e *ConfigError) Key() string {
	return strings.Join(e.Path, ".")
}

// atKey prefixes the key path of err with key.
func atKey(key string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		path := make([]string, 0, len(ce.Path)+1)
		path = append(path, key)
		path = append(path, ce.Path...)
		return &ConfigError{Path: path, Err: ce.Err}
	}
	return &ConfigError{Path: []string{key}, Err: err}
}
