package routemap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeRoutes(t, sampleRoutes)
	m, err := NewFileMap(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.Watch(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	// give the watcher a moment to register the directory
	time.Sleep(200 * time.Millisecond)

	updated := `
[[route]]
domain = "*"

[[route.target]]
host = "watched-origin"
port = 9002
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e := m.Entry("anything.test", "/", false)
		if e != nil && e.Targets[0].Host == "watched-origin" {
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Watch() error = %v", err)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("routes not reloaded within deadline")
}

func TestWatchStopsOnCancel(t *testing.T) {
	path := writeRoutes(t, sampleRoutes)
	m, err := NewFileMap(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Watch(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not stop on cancel")
	}
}
