package routemap

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRoutes(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleRoutes = `
[[route]]
domain = "example.com"
path_prefix = "/api"
channel_prefix = "api-"
sig_iss = "api"
sig_key = "api-key"

[[route.target]]
host = "api-origin"
port = 8080
ssl = true
trusted = true

[[route]]
domain = "example.com"
channel_prefix = "web-"

[[route.target]]
host = "web-origin"
port = 80

[[route.target]]
host = "web-origin-2"
port = 80

[[route]]
domain = "secure.example.com"
scheme = "https"

[[route.target]]
host = "secure-origin"
port = 443
ssl = true

[[route]]
domain = "*"

[[route.target]]
host = "fallback"
port = 9000
`

func TestEntryLookup(t *testing.T) {
	m, err := NewFileMap(writeRoutes(t, sampleRoutes))
	if err != nil {
		t.Fatalf("NewFileMap() error = %v", err)
	}

	tests := []struct {
		name     string
		host     string
		path     string
		https    bool
		wantHost string
		wantNil  bool
	}{
		{"longest prefix wins", "example.com", "/api/v1", false, "api-origin", false},
		{"fallback to domain route", "example.com", "/index.html", false, "web-origin", false},
		{"case-insensitive domain", "EXAMPLE.com", "/api/x", false, "api-origin", false},
		{"scheme restricted https ok", "secure.example.com", "/", true, "secure-origin", false},
		{"wildcard catches unknown", "other.test", "/", false, "fallback", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := m.Entry(tt.host, tt.path, tt.https)
			if tt.wantNil {
				if e != nil {
					t.Fatalf("Entry() = %+v, want nil", e)
				}
				return
			}
			if e == nil {
				t.Fatal("Entry() = nil")
			}
			if e.Targets[0].Host != tt.wantHost {
				t.Errorf("target host = %q, want %q", e.Targets[0].Host, tt.wantHost)
			}
		})
	}
}

func TestEntrySchemeMismatchFallsToWildcard(t *testing.T) {
	m, err := NewFileMap(writeRoutes(t, sampleRoutes))
	if err != nil {
		t.Fatal(err)
	}

	// plain http against an https-only route falls through to the wildcard
	e := m.Entry("secure.example.com", "/", false)
	if e == nil {
		t.Fatal("Entry() = nil")
	}
	if e.Targets[0].Host != "fallback" {
		t.Errorf("target host = %q, want fallback", e.Targets[0].Host)
	}
}

func TestEntryTargetsAreCopied(t *testing.T) {
	m, err := NewFileMap(writeRoutes(t, sampleRoutes))
	if err != nil {
		t.Fatal(err)
	}

	e := m.Entry("example.com", "/", false)
	e.Targets[0].Host = "mutated"

	again := m.Entry("example.com", "/", false)
	if again.Targets[0].Host == "mutated" {
		t.Error("Entry() returns shared target slices")
	}
}

func TestEntryPerRouteSigning(t *testing.T) {
	m, err := NewFileMap(writeRoutes(t, sampleRoutes))
	if err != nil {
		t.Fatal(err)
	}

	e := m.Entry("example.com", "/api/x", false)
	if e.SigIss != "api" || e.SigKey != "api-key" {
		t.Errorf("signing = %q/%q, want api/api-key", e.SigIss, e.SigKey)
	}
	if e.Prefix != "api-" {
		t.Errorf("prefix = %q, want api-", e.Prefix)
	}
}

func TestReloadReplacesRoutes(t *testing.T) {
	path := writeRoutes(t, sampleRoutes)
	m, err := NewFileMap(path)
	if err != nil {
		t.Fatal(err)
	}

	updated := `
[[route]]
domain = "*"

[[route.target]]
host = "new-fallback"
port = 9001
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	e := m.Entry("anything.test", "/", false)
	if e == nil || e.Targets[0].Host != "new-fallback" {
		t.Errorf("Entry() after reload = %+v", e)
	}
}

func TestReloadKeepsOldRoutesOnError(t *testing.T) {
	path := writeRoutes(t, sampleRoutes)
	m, err := NewFileMap(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("not [valid toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err == nil {
		t.Fatal("Reload() succeeded on invalid file")
	}

	if e := m.Entry("example.com", "/", false); e == nil {
		t.Error("previous routes lost after failed reload")
	}
}

func TestLoadRejectsInvalidRoutes(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing domain", "[[route]]\n[[route.target]]\nhost = \"a\"\nport = 80\n"},
		{"no targets", "[[route]]\ndomain = \"x\"\n"},
		{"bad port", "[[route]]\ndomain = \"x\"\n[[route.target]]\nhost = \"a\"\nport = 99999\n"},
		{"bad scheme", "[[route]]\ndomain = \"x\"\nscheme = \"ftp\"\n[[route.target]]\nhost = \"a\"\nport = 80\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFileMap(writeRoutes(t, tt.data)); err == nil {
				t.Error("NewFileMap() accepted invalid routes")
			}
		})
	}
}
