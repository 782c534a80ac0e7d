// Package routemap resolves incoming (host, path, scheme) tuples to ordered
// origin target lists with per-route signing material. Routes are loaded
// from a TOML file and can be hot-reloaded while the proxy runs.
package routemap

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// Target is one candidate origin.
type Target struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	SSL      bool   `toml:"ssl"`
	Trusted  bool   `toml:"trusted"`
	Insecure bool   `toml:"insecure"`
}

// Entry is a resolved route: channel prefix, ordered targets, and optional
// per-route signing material overriding the proxy defaults.
type Entry struct {
	Prefix  string
	Targets []Target
	SigIss  string
	SigKey  string
}

// Map resolves routes.
type Map interface {
	// Entry returns the route for the tuple, or nil if there is none.
	Entry(host, encPath string, https bool) *Entry
}

// Route is one [[route]] table in the routes file.
type Route struct {
	Domain        string   `toml:"domain"`
	PathPrefix    string   `toml:"path_prefix"`
	Scheme        string   `toml:"scheme"` // "", "http", or "https"
	ChannelPrefix string   `toml:"channel_prefix"`
	SigIss        string   `toml:"sig_iss"`
	SigKey        string   `toml:"sig_key"`
	Targets       []Target `toml:"target"`
}

type routesFile struct {
	Routes []Route `toml:"route"`
}

// FileMap is a Map backed by a TOML routes file.
type FileMap struct {
	path string

	mu     sync.RWMutex
	routes []Route
}

// NewFileMap loads the routes file at path.
func NewFileMap(path string) (*FileMap, error) {
	m := &FileMap{path: path}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the routes file, replacing the current route set. On
// error the previous set is kept.
func (m *FileMap) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("routemap: read %s: %w", m.path, err)
	}

	var rf routesFile
	if err := toml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("routemap: parse %s: %w", m.path, err)
	}

	for i, r := range rf.Routes {
		if r.Domain == "" {
			return fmt.Errorf("routemap: route %d: domain is required", i)
		}
		if len(r.Targets) == 0 {
			return fmt.Errorf("routemap: route %d (%s): at least one target is required", i, r.Domain)
		}
		for j, t := range r.Targets {
			if t.Host == "" || t.Port <= 0 || t.Port > 65535 {
				return fmt.Errorf("routemap: route %d (%s) target %d: need host and port 1-65535", i, r.Domain, j)
			}
		}
		switch r.Scheme {
		case "", "http", "https":
		default:
			return fmt.Errorf("routemap: route %d (%s): scheme must be http or https; got %q", i, r.Domain, r.Scheme)
		}
	}

	// Longest path prefix wins within a domain; sorting up front keeps
	// lookup a linear first-match scan.
	routes := append([]Route(nil), rf.Routes...)
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
	})

	m.mu.Lock()
	m.routes = routes
	m.mu.Unlock()
	return nil
}

// Entry implements Map. Domains match case-insensitively; "*" matches any
// host and is only considered when no exact domain matched.
func (m *FileMap) Entry(host, encPath string, https bool) *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e := m.match(host, encPath, https); e != nil {
		return e
	}
	return m.match("*", encPath, https)
}

func (m *FileMap) match(domain, encPath string, https bool) *Entry {
	for _, r := range m.routes {
		if !strings.EqualFold(r.Domain, domain) {
			continue
		}
		if r.PathPrefix != "" && !strings.HasPrefix(encPath, r.PathPrefix) {
			continue
		}
		if r.Scheme == "https" && !https {
			continue
		}
		if r.Scheme == "http" && https {
			continue
		}
		return &Entry{
			Prefix:  r.ChannelPrefix,
			Targets: append([]Target(nil), r.Targets...),
			SigIss:  r.SigIss,
			SigKey:  r.SigKey,
		}
	}
	return nil
}
