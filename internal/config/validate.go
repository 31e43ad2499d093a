package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/fgeck/borrg/internal/models"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Validate checks that a resolved configuration can be run.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if len(cfg.Targets) == 0 {
		return &ConfigError{Path: []string{"backup"}, Err: fmt.Errorf("%w: at least one [[backup]] entry is required", ErrMissingKey)}
	}

	seen := make(map[string]int, len(cfg.Targets))
	for i, t := range cfg.Targets {
		if err := validateTarget(t); err != nil {
			return atKey("backup", atKey(strconv.Itoa(i), err))
		}
		if first, dup := seen[t.Name]; dup {
			return &ConfigError{
				Path: []string{"backup", strconv.Itoa(i), "name"},
				Err:  fmt.Errorf("%w: %q already used by backup %d", ErrConflictingKeys, t.Name, first),
			}
		}
		seen[t.Name] = i
	}

	return nil
}

func validateTarget(t models.ResolvedTarget) error {
	err := validation.ValidateStruct(&t,
		validation.Field(&t.Name, validation.Required),
		validation.Field(&t.Repository, validation.Required, validation.By(validRepository)),
		validation.Field(&t.Paths, validation.Required, validation.Each(validation.Required)),
		validation.Field(&t.Archive, validation.Required),
		validation.Field(&t.Compression, validation.By(validCompression)),
		validation.Field(&t.Wake, validation.When(t.Wake != nil, validation.By(validWake))),
		validation.Field(&t.Shutdown, validation.When(t.Shutdown != nil, validation.By(validShutdown))),
	)
	return fromValidation(err)
}

func validRepository(value any) error {
	s, _ := value.(string)
	_, err := models.ParseRepository(s)
	return err
}

func validCompression(value any) error {
	c, _ := value.(models.Compression)
	if !models.KnownAlgorithm(c.Algorithm) {
		return fmt.Errorf("unknown algorithm %q", c.Algorithm)
	}
	if c.Level != nil {
		lo, hi, ok := models.LevelRange(c.Algorithm)
		if !ok {
			return fmt.Errorf("%s takes no level", c.Algorithm)
		}
		if *c.Level < lo || *c.Level > hi {
			return fmt.Errorf("%s level must be between %d and %d", c.Algorithm, lo, hi)
		}
	}
	return nil
}

func validWake(value any) error {
	w, _ := value.(*models.WOLConfig)
	if w == nil {
		return nil
	}
	return validation.ValidateStruct(w,
		validation.Field(&w.MACAddress, validation.Required, validation.By(validMAC)),
		validation.Field(&w.BroadcastIP, validation.Required, is.IPv4),
		validation.Field(&w.PollURL, is.URL),
		validation.Field(&w.Timeout, validation.Required, validation.Min(w.PollInterval)),
		validation.Field(&w.PollInterval, validation.Required),
	)
}

func validMAC(value any) error {
	s, _ := value.(string)
	if _, err := net.ParseMAC(s); err != nil {
		return fmt.Errorf("invalid MAC address %q", s)
	}
	return nil
}

func validShutdown(value any) error {
	sh, _ := value.(*models.SSHShutdownConfig)
	if sh == nil {
		return nil
	}
	return validation.ValidateStruct(sh,
		validation.Field(&sh.Host, validation.Required, is.Host),
		validation.Field(&sh.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&sh.Username, validation.Required),
		validation.Field(&sh.KeyPath, validation.Required),
		validation.Field(&sh.ShutdownDelay, validation.Min(0)),
		validation.Field(&sh.OS, validation.In("linux", "windows")),
	)
}

// fromValidation converts ozzo field errors into a *ConfigError located at
// the first offending key, in key order.
func fromValidation(err error) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := keys[0]
	return atKey(key, fromValidation(errs[key]))
}
