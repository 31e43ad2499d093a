package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/borrg/internal/models"
	"github.com/mitchellh/mapstructure"
)

// Resolver turns a parsed configuration tree into resolved backup targets.
type Resolver struct {
	homeDir string
	expand  func(string) string
}

// NewResolver creates a resolver expanding "~" to homeDir.
func NewResolver(homeDir string) *Resolver {
	return &Resolver{
		homeDir: homeDir,
		expand:  os.ExpandEnv,
	}
}

// section holds the fields explicitly set in a template or a [[backup]] entry.
// nil means "not set".
type section struct {
	repository  *string
	credential  *models.Credential
	paths       []string
	compression *models.Compression
	progress    *bool
	stats       *bool
	archive     *string
	comment     *string
	excludeFile *string
	patternFile *string
	wake        *models.WOLConfig
	shutdown    *models.SSHShutdownConfig
}

// overlay returns s with every field set in o replacing the field of s.
// Structured values are replaced whole, never merged field by field. The
// credential counts as one structured value, so a target passcommand replaces
// a template passphrase instead of conflicting with it.
func (s section) overlay(o section) section {
	if o.repository != nil {
		s.repository = o.repository
	}
	if o.credential != nil {
		s.credential = o.credential
	}
	if o.paths != nil {
		s.paths = o.paths
	}
	if o.compression != nil {
		s.compression = o.compression
	}
	if o.progress != nil {
		s.progress = o.progress
	}
	if o.stats != nil {
		s.stats = o.stats
	}
	if o.archive != nil {
		s.archive = o.archive
	}
	if o.comment != nil {
		s.comment = o.comment
	}
	if o.excludeFile != nil {
		s.excludeFile = o.excludeFile
	}
	if o.patternFile != nil {
		s.patternFile = o.patternFile
	}
	if o.wake != nil {
		s.wake = o.wake
	}
	if o.shutdown != nil {
		s.shutdown = o.shutdown
	}
	return s
}

// Resolve resolves every [[backup]] entry of doc against its template.
// Targets are returned in declaration order.
func (r *Resolver) Resolve(doc map[string]any) ([]models.ResolvedTarget, error) {
	templates, err := r.templates(doc)
	if err != nil {
		return nil, err
	}

	raw, ok := doc["backup"]
	if !ok {
		return nil, &ConfigError{Path: []string{"backup"}, Err: ErrMissingKey}
	}
	entries, err := tableList(raw)
	if err != nil {
		return nil, atKey("backup", err)
	}

	targets := make([]models.ResolvedTarget, 0, len(entries))
	for i, entry := range entries {
		target, err := r.resolveTarget(entry, templates)
		if err != nil {
			return nil, atKey("backup", atKey(strconv.Itoa(i), err))
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func (r *Resolver) templates(doc map[string]any) (map[string]section, error) {
	templates := map[string]section{}

	if raw, ok := doc["template"]; ok {
		table, ok := raw.(map[string]any)
		if !ok {
			return nil, &ConfigError{Path: []string{"template"}, Err: ErrInvalidType}
		}
		names := make([]string, 0, len(table))
		for name := range table {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			t, ok := table[name].(map[string]any)
			if !ok {
				return nil, atKey("template", &ConfigError{Path: []string{name}, Err: ErrInvalidType})
			}
			s, err := r.parseSection(t)
			if err != nil {
				return nil, atKey("template", atKey(name, err))
			}
			// Template names are case-insensitive since viper folds table keys.
			key := strings.ToLower(name)
			if _, dup := templates[key]; dup {
				return nil, atKey("template", &ConfigError{
					Path: []string{name},
					Err:  fmt.Errorf("%w: template names differ only in case", ErrConflictingKeys),
				})
			}
			templates[key] = s
		}
	}

	// Older configs declare the defaults as a top-level [default] table.
	if raw, ok := doc["default"]; ok {
		if _, dup := templates[models.DefaultTemplate]; dup {
			return nil, &ConfigError{
				Path: []string{"default"},
				Err:  fmt.Errorf("%w: [default] and [template.default] both declared", ErrConflictingKeys),
			}
		}
		t, ok := raw.(map[string]any)
		if !ok {
			return nil, &ConfigError{Path: []string{"default"}, Err: ErrInvalidType}
		}
		s, err := r.parseSection(t)
		if err != nil {
			return nil, atKey("default", err)
		}
		templates[models.DefaultTemplate] = s
	}

	return templates, nil
}

func (r *Resolver) resolveTarget(table map[string]any, templates map[string]section) (models.ResolvedTarget, error) {
	own, err := r.parseSection(table)
	if err != nil {
		return models.ResolvedTarget{}, err
	}

	templateName := models.DefaultTemplate
	explicit := false
	if v, ok := table["template"]; ok {
		s, ok := v.(string)
		if !ok {
			return models.ResolvedTarget{}, &ConfigError{Path: []string{"template"}, Err: ErrInvalidType}
		}
		templateName = strings.ToLower(s)
		explicit = true
	}

	tmpl, found := templates[templateName]
	if !found && explicit {
		return models.ResolvedTarget{}, &ConfigError{
			Path: []string{"template"},
			Err:  fmt.Errorf("%w %q", ErrUnknownTemplate, table["template"]),
		}
	}

	merged := tmpl.overlay(own)

	name, err := optString(table, "name")
	if err != nil {
		return models.ResolvedTarget{}, err
	}

	return r.finish(merged, templateName, name)
}

// finish applies hard-coded defaults and produces a self-contained target.
func (r *Resolver) finish(s section, templateName string, name *string) (models.ResolvedTarget, error) {
	if s.repository == nil || *s.repository == "" {
		return models.ResolvedTarget{}, &ConfigError{Path: []string{"repository"}, Err: ErrMissingRepository}
	}

	t := models.ResolvedTarget{
		Template:    templateName,
		Repository:  r.expand(*s.repository),
		Compression: models.NoCompression(),
		Archive:     models.DefaultArchive,
		Comment:     models.DefaultComment,
		ExcludeFile: models.DefaultExcludeFile,
	}

	t.Name = t.Repository
	if name != nil && *name != "" {
		t.Name = *name
	}
	if s.credential != nil {
		t.Credential = *s.credential
	}

	paths := s.paths
	if paths == nil {
		paths = []string{models.DefaultPath}
	}
	t.Paths = make([]string, len(paths))
	for i, p := range paths {
		t.Paths[i] = r.expandHome(r.expand(p))
	}

	if s.compression != nil {
		t.Compression = cloneCompression(*s.compression)
	}
	if s.progress != nil {
		t.Progress = *s.progress
	}
	if s.stats != nil {
		t.Stats = *s.stats
	}
	if s.archive != nil {
		t.Archive = *s.archive
	}
	if s.comment != nil {
		t.Comment = *s.comment
	}
	if s.excludeFile != nil {
		t.ExcludeFile = r.expandHome(*s.excludeFile)
	}
	if s.patternFile != nil {
		t.PatternFile = r.expandHome(*s.patternFile)
	}

	if s.wake != nil {
		w := *s.wake
		applyWakeDefaults(&w)
		t.Wake = &w
	}
	if s.shutdown != nil {
		sh := *s.shutdown
		sh.KeyPath = r.expandHome(r.expand(sh.KeyPath))
		if sh.KnownHosts != "" {
			sh.KnownHosts = r.expandHome(r.expand(sh.KnownHosts))
		}
		applyShutdownDefaults(&sh, t.Repository)
		t.Shutdown = &sh
	}

	return t, nil
}

// parseSection type-checks the fields shared by templates and targets.
//
//nolint:gocognit,gocyclo // one branch per config key
func (r *Resolver) parseSection(t map[string]any) (section, error) {
	var s section
	var err error

	if s.repository, err = optString(t, "repository"); err != nil {
		return s, err
	}
	if s.credential, err = parseCredential(t); err != nil {
		return s, err
	}
	if s.paths, err = parsePaths(t); err != nil {
		return s, err
	}
	if v, ok := t["compression"]; ok {
		c, err := parseCompression(v)
		if err != nil {
			return s, atKey("compression", err)
		}
		s.compression = &c
	}
	if s.progress, err = optBool(t, "progress"); err != nil {
		return s, err
	}
	if s.stats, err = optBool(t, "stats"); err != nil {
		return s, err
	}
	if s.archive, err = optString(t, "archive"); err != nil {
		return s, err
	}
	if s.comment, err = optString(t, "comment"); err != nil {
		return s, err
	}
	if s.excludeFile, err = optString(t, "exclude_file"); err != nil {
		return s, err
	}
	if s.patternFile, err = optString(t, "pattern_file"); err != nil {
		return s, err
	}
	if v, ok := t["wake"]; ok {
		var w models.WOLConfig
		if err := decodeTable(v, &w); err != nil {
			return s, atKey("wake", err)
		}
		s.wake = &w
	}
	if v, ok := t["shutdown"]; ok {
		var sh models.SSHShutdownConfig
		if err := decodeTable(v, &sh); err != nil {
			return s, atKey("shutdown", err)
		}
		s.shutdown = &sh
	}

	return s, nil
}

func parseCredential(t map[string]any) (*models.Credential, error) {
	phrase, hasPhrase := t["passphrase"]
	command, hasCommand := t["passcommand"]

	switch {
	case hasPhrase && hasCommand:
		return nil, &ConfigError{Path: []string{"passphrase"}, Err: ErrAmbiguousCredential}
	case hasPhrase:
		if s, ok := phrase.(string); ok {
			c := models.LiteralCredential(s)
			return &c, nil
		}
		// An integer passphrase is a file descriptor borg reads the passphrase from.
		if fd, ok := toInt(phrase); ok {
			if fd < 0 {
				return nil, &ConfigError{Path: []string{"passphrase"}, Err: fmt.Errorf("%w: negative file descriptor", ErrInvalidValue)}
			}
			c := models.FDCredential(fd)
			return &c, nil
		}
		return nil, &ConfigError{Path: []string{"passphrase"}, Err: ErrInvalidType}
	case hasCommand:
		s, ok := command.(string)
		if !ok {
			return nil, &ConfigError{Path: []string{"passcommand"}, Err: ErrInvalidType}
		}
		if strings.TrimSpace(s) == "" {
			return nil, &ConfigError{Path: []string{"passcommand"}, Err: fmt.Errorf("%w: empty command", ErrInvalidValue)}
		}
		c := models.CommandCredential(s)
		return &c, nil
	}
	return nil, nil
}

func parsePaths(t map[string]any) ([]string, error) {
	single, hasPath := t["path"]
	multi, hasPaths := t["paths"]

	key, v := "path", single
	switch {
	case hasPath && hasPaths:
		return nil, &ConfigError{Path: []string{"paths"}, Err: fmt.Errorf("%w: path and paths", ErrConflictingKeys)}
	case hasPaths:
		key, v = "paths", multi
	case !hasPath:
		return nil, nil
	}

	switch p := v.(type) {
	case string:
		return []string{p}, nil
	case []any:
		if len(p) == 0 {
			return nil, &ConfigError{Path: []string{key}, Err: fmt.Errorf("%w: empty path list", ErrInvalidValue)}
		}
		out := make([]string, len(p))
		for i, e := range p {
			s, ok := e.(string)
			if !ok {
				return nil, atKey(key, &ConfigError{Path: []string{strconv.Itoa(i)}, Err: ErrInvalidType})
			}
			out[i] = s
		}
		return out, nil
	case []string:
		if len(p) == 0 {
			return nil, &ConfigError{Path: []string{key}, Err: fmt.Errorf("%w: empty path list", ErrInvalidValue)}
		}
		return append([]string(nil), p...), nil
	}
	return nil, &ConfigError{Path: []string{key}, Err: ErrInvalidType}
}

// parseCompression accepts a bare algorithm name or a table
// {algorithm, level, auto, obfuscation}.
func parseCompression(v any) (models.Compression, error) {
	switch c := v.(type) {
	case string:
		alg := strings.ToLower(c)
		if !models.KnownAlgorithm(alg) {
			return models.Compression{}, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidCompression, c)
		}
		return models.Compression{Algorithm: alg}, nil

	case map[string]any:
		raw, ok := c["algorithm"]
		if !ok {
			return models.Compression{}, &ConfigError{
				Path: []string{"algorithm"},
				Err:  fmt.Errorf("%w: %w", ErrInvalidCompression, ErrMissingKey),
			}
		}
		name, ok := raw.(string)
		if !ok {
			return models.Compression{}, &ConfigError{
				Path: []string{"algorithm"},
				Err:  fmt.Errorf("%w: algorithm must be a string", ErrInvalidCompression),
			}
		}
		alg := strings.ToLower(name)
		if !models.KnownAlgorithm(alg) {
			return models.Compression{}, &ConfigError{
				Path: []string{"algorithm"},
				Err:  fmt.Errorf("%w: unknown algorithm %q", ErrInvalidCompression, name),
			}
		}
		comp := models.Compression{Algorithm: alg}

		if rawAuto, ok := c["auto"]; ok {
			auto, ok := rawAuto.(bool)
			if !ok {
				return models.Compression{}, &ConfigError{Path: []string{"auto"}, Err: ErrInvalidType}
			}
			comp.Auto = auto
		}

		if rawLevel, ok := c["level"]; ok {
			level, ok := toInt(rawLevel)
			if !ok {
				return models.Compression{}, &ConfigError{Path: []string{"level"}, Err: ErrInvalidType}
			}
			lo, hi, takesLevel := models.LevelRange(alg)
			if !takesLevel {
				return models.Compression{}, &ConfigError{
					Path: []string{"level"},
					Err:  fmt.Errorf("%w: %s takes no level", ErrInvalidCompression, alg),
				}
			}
			if err := inRange(level, lo, hi); err != nil {
				return models.Compression{}, &ConfigError{
					Path: []string{"level"},
					Err:  fmt.Errorf("%w: %s level %v", ErrInvalidCompression, alg, err),
				}
			}
			comp.Level = &level
		}

		if rawObf, ok := c["obfuscation"]; ok {
			obf, ok := toInt(rawObf)
			if !ok {
				return models.Compression{}, &ConfigError{Path: []string{"obfuscation"}, Err: ErrInvalidType}
			}
			if err := inRange(obf, 1, 250); err != nil {
				return models.Compression{}, &ConfigError{
					Path: []string{"obfuscation"},
					Err:  fmt.Errorf("%w: obfuscation %v", ErrInvalidCompression, err),
				}
			}
			comp.Obfuscation = &obf
		}

		return comp, nil
	}

	return models.Compression{}, fmt.Errorf("%w: must be a string or a table", ErrInvalidCompression)
}

// decodeTable decodes a sub-table into out, rejecting unknown keys.
func decodeTable(v any, out any) error {
	table, ok := v.(map[string]any)
	if !ok {
		return ErrInvalidType
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(table); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

func tableList(v any) ([]map[string]any, error) {
	switch l := v.(type) {
	case []map[string]any:
		return l, nil
	case []any:
		out := make([]map[string]any, len(l))
		for i, e := range l {
			t, ok := e.(map[string]any)
			if !ok {
				return nil, &ConfigError{Path: []string{strconv.Itoa(i)}, Err: ErrInvalidType}
			}
			out[i] = t
		}
		return out, nil
	}
	return nil, ErrInvalidType
}

func optString(t map[string]any, key string) (*string, error) {
	v, ok := t[key]
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, &ConfigError{Path: []string{key}, Err: ErrInvalidType}
	}
	return &s, nil
}

func optBool(t map[string]any, key string) (*bool, error) {
	v, ok := t[key]
	if !ok {
		return nil, nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil, &ConfigError{Path: []string{key}, Err: ErrInvalidType}
	}
	return &b, nil
}

// toInt accepts the integer representations TOML decoders produce.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		if n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// inRange checks lo <= n <= hi. Zero is checked too, unlike ozzo's Min.
func inRange(n, lo, hi int) error {
	if n < lo || n > hi {
		return fmt.Errorf("must be between %d and %d", lo, hi)
	}
	return nil
}

func (r *Resolver) expandHome(p string) string {
	if r.homeDir == "" {
		return p
	}
	if p == "~" {
		return r.homeDir
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return filepath.Join(r.homeDir, rest)
	}
	return p
}

func cloneCompression(c models.Compression) models.Compression {
	if c.Level != nil {
		l := *c.Level
		c.Level = &l
	}
	if c.Obfuscation != nil {
		o := *c.Obfuscation
		c.Obfuscation = &o
	}
	return c
}

func applyWakeDefaults(w *models.WOLConfig) {
	if w.BroadcastIP == "" {
		w.BroadcastIP = "255.255.255.255"
	}
	if w.Timeout == 0 {
		w.Timeout = 5 * time.Minute
	}
	if w.PollInterval == 0 {
		w.PollInterval = 10 * time.Second
	}
	if w.StabilizeWait == 0 {
		w.StabilizeWait = 10 * time.Second
	}
}

// applyShutdownDefaults fills host, port and user from an ssh repository.
func applyShutdownDefaults(sh *models.SSHShutdownConfig, repository string) {
	if repo, err := models.ParseRepository(repository); err == nil && repo.IsRemote() {
		if sh.Host == "" {
			sh.Host = repo.Host
		}
		if sh.Port == 0 && repo.Port != 0 && sh.Host == repo.Host {
			sh.Port = repo.Port
		}
		if sh.Username == "" && sh.Host == repo.Host {
			sh.Username = repo.User
		}
	}
	if sh.Port == 0 {
		sh.Port = 22
	}
	if sh.Username == "" {
		sh.Username = "root"
	}
	if sh.ShutdownDelay == 0 {
		sh.ShutdownDelay = 1
	}
	if sh.OS == "" {
		sh.OS = "linux"
	}
}
