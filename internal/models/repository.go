package models

import (
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
)

// Repository is a parsed borg repository specifier.
//
// Accepted forms:
//
//	/path/to/repo, path/to/repo, ~/path/to/repo
//	file:///path/to/repo
//	ssh://[user@]host[:port]/path, ssh://host/./relative, ssh://host/~/in-home
//	[user@]host:path (deprecated, converted to ssh://)
type Repository struct {
	User   string
	Host   string // empty for local repositories
	Port   int    // 0 if not given
	Path   string
	Legacy bool // parsed from the deprecated scp-like form
}

// ErrInvalidRepository is returned for malformed repository specifiers.
var ErrInvalidRepository = errors.New("invalid repository specifier")

// ParseRepository parses a repository specifier.
func ParseRepository(s string) (Repository, error) {
	if s == "" {
		return Repository{}, fmt.Errorf("%w: empty", ErrInvalidRepository)
	}

	if p, ok := strings.CutPrefix(s, "file://"); ok {
		return Repository{Path: p}, nil
	}

	if rest, ok := strings.CutPrefix(s, "ssh://"); ok {
		remote, p, found := strings.Cut(rest, "/")
		if !found {
			return Repository{}, fmt.Errorf("%w: no \"/\" after \"ssh://\"", ErrInvalidRepository)
		}
		r, err := parseRemote(remote)
		if err != nil {
			return Repository{}, err
		}
		if strings.HasPrefix(p, ".") || strings.HasPrefix(p, "~") {
			r.Path = p
		} else {
			r.Path = "/" + p
		}
		return r, nil
	}

	// Absolute local paths may legitimately contain ':'.
	if !strings.HasPrefix(s, "/") {
		if remote, p, found := strings.Cut(s, ":"); found {
			r, err := parseRemote(remote)
			if err != nil {
				return Repository{}, err
			}
			// scp-like relative paths are relative to the remote home.
			if !path.IsAbs(p) && !strings.HasPrefix(p, ".") && !strings.HasPrefix(p, "~") {
				p = "./" + p
			}
			r.Path = p
			r.Legacy = true
			return r, nil
		}
	}

	return Repository{Path: s}, nil
}

func parseRemote(s string) (Repository, error) {
	var r Repository
	rest := s
	if u, h, ok := strings.Cut(rest, "@"); ok {
		r.User = u
		rest = h
	}
	if h, p, ok := strings.Cut(rest, ":"); ok {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Repository{}, fmt.Errorf("%w: invalid port %q", ErrInvalidRepository, p)
		}
		r.Port = port
		rest = h
	}
	if rest == "" {
		return Repository{}, fmt.Errorf("%w: missing host", ErrInvalidRepository)
	}
	r.Host = rest
	return r, nil
}

// IsRemote reports whether the repository is reached over ssh.
func (r Repository) IsRemote() bool {
	return r.Host != ""
}

// String renders the canonical specifier. Legacy remotes are rendered as ssh:// URLs.
func (r Repository) String() string {
	if !r.IsRemote() {
		return r.Path
	}
	var b strings.Builder
	b.WriteString("ssh://")
	if r.User != "" {
		b.WriteString(r.User)
		b.WriteByte('@')
	}
	b.WriteString(r.Host)
	if r.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.Port))
	}
	if !path.IsAbs(r.Path) {
		b.WriteByte('/')
	}
	b.WriteString(r.Path)
	return b.String()
}

// SameLocation reports whether two specifiers point at the same repository.
func (r Repository) SameLocation(o Repository) bool {
	return r.Host == o.Host && r.Port == o.Port && r.User == o.User &&
		path.Clean(r.Path) == path.Clean(o.Path)
}

// JoinHostPort joins host and port, omitting a zero port.
func JoinHostPort(host string, port int) string {
	if port == 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
