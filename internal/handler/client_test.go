package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"grip-proxy-go/internal/httpdata"
	"grip-proxy-go/internal/proxy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventRecorder captures the client session's callbacks.
type eventRecorder struct {
	mu       sync.Mutex
	written  int
	errored  bool
	finished bool
	paused   bool
	done     chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{done: make(chan struct{})}
}

func (r *eventRecorder) events() proxy.ClientEvents {
	return proxy.ClientEvents{
		BytesWritten: func(n int) {
			r.mu.Lock()
			r.written += n
			r.mu.Unlock()
		},
		ErrorResponding: func() {
			r.mu.Lock()
			r.errored = true
			r.mu.Unlock()
		},
		Finished: func() {
			r.mu.Lock()
			r.finished = true
			r.mu.Unlock()
			close(r.done)
		},
		Paused: func() {
			r.mu.Lock()
			r.paused = true
			r.mu.Unlock()
		},
	}
}

func newTestClient(t *testing.T, method, target string, body io.Reader) (*clientSession, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return newClientSession(c, testLogger()), rec
}

func TestClientSessionResponseFlow(t *testing.T) {
	cs, rec := newTestClient(t, "GET", "http://example.com/x", nil)
	ev := newEventRecorder()
	cs.Subscribe(ev.events())

	waitDone := make(chan error, 1)
	go func() { waitDone <- cs.Wait() }()

	cs.StartResponse(200, "OK", httpdata.Headers{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
	})
	cs.WriteResponseBody([]byte("hello "))
	cs.WriteResponseBody([]byte("world"))
	cs.EndResponseBody()

	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return")
	}

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "hello world" {
		t.Errorf("body = %q", got)
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Set-Cookie values = %v, want 2", got)
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.written != len("hello world") {
		t.Errorf("bytesWritten total = %d, want %d", ev.written, len("hello world"))
	}
	if !ev.finished {
		t.Error("finished not emitted")
	}
	if ev.errored {
		t.Error("errorResponding emitted on clean flow")
	}
}

func TestClientSessionRespondError(t *testing.T) {
	cs, rec := newTestClient(t, "GET", "http://example.com/x", nil)
	ev := newEventRecorder()
	cs.Subscribe(ev.events())

	waitDone := make(chan error, 1)
	go func() { waitDone <- cs.Wait() }()

	cs.RespondError(502, "Bad Gateway", "Error while proxying to origin.")

	<-waitDone

	if rec.Code != 502 {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Error while proxying to origin.") {
		t.Errorf("body = %q", rec.Body.String())
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if !ev.finished {
		t.Error("finished not emitted after error response")
	}
}

func TestClientSessionCannotAccept(t *testing.T) {
	cs, rec := newTestClient(t, "GET", "http://example.com/x", nil)
	ev := newEventRecorder()
	cs.Subscribe(ev.events())

	waitDone := make(chan error, 1)
	go func() { waitDone <- cs.Wait() }()

	cs.RespondCannotAccept()
	<-waitDone

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestClientSessionPauseThenRelease(t *testing.T) {
	cs, _ := newTestClient(t, "GET", "http://example.com/x", nil)
	ev := newEventRecorder()
	cs.Subscribe(ev.events())

	waitDone := make(chan error, 1)
	go func() { waitDone <- cs.Wait() }()

	cs.Pause()

	deadline := time.After(5 * time.Second)
	for {
		ev.mu.Lock()
		paused := ev.paused
		ev.mu.Unlock()
		if paused {
			break
		}
		select {
		case <-deadline:
			t.Fatal("paused not emitted")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cs.release()

	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after release")
	}
}

func TestClientSessionRequestData(t *testing.T) {
	cs, _ := newTestClient(t, "POST", "http://example.com/api/v1?callback=cb", strings.NewReader("data"))

	rd := cs.RequestData()
	if rd.Method != "POST" {
		t.Errorf("method = %q", rd.Method)
	}
	if rd.URI.Host != "example.com" {
		t.Errorf("host = %q", rd.URI.Host)
	}
	if cs.JSONPCallback() != "cb" {
		t.Errorf("jsonp = %q", cs.JSONPCallback())
	}
	if cs.IsRetry() {
		t.Error("IsRetry() = true")
	}
	if cs.Rid().ID == "" {
		t.Error("rid not assigned")
	}
}

func TestInboundRequestStreams(t *testing.T) {
	pr, pw := io.Pipe()
	in := newInboundRequest(pr)

	ready := make(chan struct{}, 16)
	in.Subscribe(proxy.InboundEvents{
		ReadyRead: func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		},
	})

	go func() {
		_, _ = pw.Write([]byte("chunk"))
		_ = pw.Close()
	}()

	var got []byte
	deadline := time.After(5 * time.Second)
	for !in.IsInputFinished() {
		select {
		case <-ready:
			got = append(got, in.ReadBody()...)
		case <-deadline:
			t.Fatal("input never finished")
		}
	}
	got = append(got, in.ReadBody()...)

	if string(got) != "chunk" {
		t.Errorf("body = %q", got)
	}
}
