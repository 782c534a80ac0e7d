package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"grip-proxy-go/internal/httpdata"
	"grip-proxy-go/internal/proxy"
)

// maxInputReadAhead bounds how much request body is buffered ahead of the
// session's ReadBody calls.
const maxInputReadAhead = 100000

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdWrite
	cmdEnd
	cmdError
	cmdCannotAccept
	cmdPause
	cmdRelease
)

type command struct {
	kind    cmdKind
	code    int
	reason  string
	headers httpdata.Headers
	body    []byte
	message string
}

// clientSession adapts one accepted echo request to the proxy core's
// ClientSession contract. Session-driven operations enqueue commands; the
// request's own goroutine (Wait) performs the actual response I/O and
// delivers the session's callbacks from there, never synchronously.
type clientSession struct {
	c   echo.Context
	log *slog.Logger
	rid proxy.Rid

	requestData httpdata.RequestData
	isHTTPS     bool
	peerAddress string
	jsonp       string
	autoCORS    bool

	in *inboundRequest

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []command
	closed bool

	events proxy.ClientEvents
}

func newClientSession(c echo.Context, logger *slog.Logger) *clientSession {
	req := c.Request()

	uri := *req.URL
	if uri.Host == "" {
		uri.Host = req.Host
	}
	if req.TLS != nil {
		uri.Scheme = "https"
	} else if uri.Scheme == "" {
		uri.Scheme = "http"
	}

	var hdrs httpdata.Headers
	for name, vals := range req.Header {
		for _, v := range vals {
			hdrs.Add(name, v)
		}
	}
	// the server promotes Content-Length out of the header map; the
	// session needs it for upstream framing
	if req.ContentLength > 0 && !hdrs.Contains("Content-Length") {
		hdrs.Add("Content-Length", strconv.FormatInt(req.ContentLength, 10))
	}

	cs := &clientSession{
		c:   c,
		log: logger,
		rid: proxy.Rid{
			Sender: "grip-proxy",
			ID:     uuid.New().String(),
		},
		requestData: httpdata.RequestData{
			Method:  req.Method,
			URI:     &uri,
			Headers: hdrs,
		},
		isHTTPS:     req.TLS != nil,
		peerAddress: c.RealIP(),
		jsonp:       c.QueryParam("callback"),
	}
	cs.cond = sync.NewCond(&cs.mu)
	cs.in = newInboundRequest(req.Body)
	return cs
}

func (cs *clientSession) Rid() proxy.Rid { return cs.rid }
func (cs *clientSession) IsHTTPS() bool { return cs.isHTTPS }
func (cs *clientSession) IsRetry() bool { return false }
func (cs *clientSession) PeerAddress() string { return cs.peerAddress }
func (cs *clientSession) AutoCrossOrigin() bool { return cs.autoCORS }
func (cs *clientSession) JSONPCallback() string { return cs.jsonp }
func (cs *clientSession) RequestData() httpdata.RequestData { return cs.requestData }
func (cs *clientSession) Request() proxy.InboundRequest { return cs.in }

func (cs *clientSession) Subscribe(ev proxy.ClientEvents) {
	cs.mu.Lock()
	cs.events = ev
	cs.mu.Unlock()
}

func (cs *clientSession) StartResponse(code int, reason string, headers httpdata.Headers) {
	cs.enqueue(command{kind: cmdStart, code: code, reason: reason, headers: headers})
}

func (cs *clientSession) WriteResponseBody(p []byte) {
	cs.enqueue(command{kind: cmdWrite, body: append([]byte(nil), p...)})
}

func (cs *clientSession) EndResponseBody() {
	cs.enqueue(command{kind: cmdEnd})
}

func (cs *clientSession) RespondError(code int, reason, message string) {
	cs.enqueue(command{kind: cmdError, code: code, reason: reason, message: message})
}

func (cs *clientSession) RespondCannotAccept() {
	cs.enqueue(command{kind: cmdCannotAccept})
}

func (cs *clientSession) Pause() {
	cs.enqueue(command{kind: cmdPause})
}

// release ends the pump after a successful handoff; the push subsystem owns
// the logical session from here.
func (cs *clientSession) release() {
	cs.enqueue(command{kind: cmdRelease})
}

func (cs *clientSession) enqueue(cmd command) {
	cs.mu.Lock()
	if !cs.closed {
		cs.queue = append(cs.queue, cmd)
		cs.cond.Signal()
	}
	cs.mu.Unlock()
}

func (cs *clientSession) next() (command, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for len(cs.queue) == 0 && !cs.closed {
		cs.cond.Wait()
	}
	if cs.closed && len(cs.queue) == 0 {
		return command{}, false
	}
	cmd := cs.queue[0]
	cs.queue = cs.queue[1:]
	return cmd, true
}

// abort unblocks the pump when the client connection goes away.
func (cs *clientSession) abort() {
	cs.mu.Lock()
	cs.closed = true
	cs.cond.Broadcast()
	cs.mu.Unlock()
}

// Wait pumps queued commands onto the HTTP response until the session ends
// the client. It runs on the echo handler goroutine, so the session's
// callbacks are always delivered asynchronously to session-driven calls.
func (cs *clientSession) Wait() error {
	ctx := cs.c.Request().Context()
	stop := context.AfterFunc(ctx, cs.abort)
	defer stop()

	resp := cs.c.Response()
	started := false

	finish := func() {
		cs.in.stop()
		if cs.events.Finished != nil {
			cs.events.Finished()
		}
	}

	for {
		cmd, ok := cs.next()
		if !ok {
			// client went away
			if cs.events.ErrorResponding != nil {
				cs.events.ErrorResponding()
			}
			finish()
			return nil
		}

		switch cmd.kind {
		case cmdStart:
			for _, h := range cmd.headers {
				resp.Header().Add(h.Name, h.Value)
			}
			resp.WriteHeader(cmd.code)
			started = true

		case cmdWrite:
			if _, err := resp.Write(cmd.body); err != nil {
				cs.log.Debug("client write failed", "id", cs.rid.ID, "err", err)
				if cs.events.ErrorResponding != nil {
					cs.events.ErrorResponding()
				}
				finish()
				return nil
			}
			resp.Flush()
			if cs.events.BytesWritten != nil {
				cs.events.BytesWritten(len(cmd.body))
			}

		case cmdEnd:
			finish()
			return nil

		case cmdError:
			if !started {
				resp.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
				resp.WriteHeader(cmd.code)
				_, _ = resp.Write([]byte(cmd.message + "\n"))
			}
			finish()
			return nil

		case cmdCannotAccept:
			if !started {
				resp.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
				resp.WriteHeader(http.StatusInternalServerError)
				_, _ = resp.Write([]byte("Accept service unavailable.\n"))
			}
			finish()
			return nil

		case cmdPause:
			cs.in.stop()
			if cs.events.Paused != nil {
				cs.events.Paused()
			}

		case cmdRelease:
			return nil
		}
	}
}

// inboundRequest streams the downstream request body to the session.
type inboundRequest struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	eof     bool
	stopped bool

	events proxy.InboundEvents
}

func newInboundRequest(body io.ReadCloser) *inboundRequest {
	in := &inboundRequest{}
	in.cond = sync.NewCond(&in.mu)
	go in.readLoop(body)
	return in
}

func (in *inboundRequest) readLoop(body io.ReadCloser) {
	defer func() { _ = body.Close() }()

	chunk := make([]byte, 16*1024)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			in.mu.Lock()
			for len(in.buf) >= maxInputReadAhead && !in.stopped {
				in.cond.Wait()
			}
			if in.stopped {
				in.mu.Unlock()
				return
			}
			in.buf = append(in.buf, chunk[:n]...)
			in.mu.Unlock()

			in.emitReadyRead()
		}
		if err != nil {
			if err == io.EOF {
				in.mu.Lock()
				in.eof = true
				in.mu.Unlock()
				in.emitReadyRead()
			} else {
				in.emitError()
			}
			return
		}
	}
}

func (in *inboundRequest) Subscribe(ev proxy.InboundEvents) {
	in.mu.Lock()
	in.events = ev
	in.mu.Unlock()
}

func (in *inboundRequest) ReadBody() []byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.buf
	in.buf = nil
	in.cond.Signal()
	return out
}

func (in *inboundRequest) IsInputFinished() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.eof && len(in.buf) == 0
}

func (in *inboundRequest) ServerState() proxy.ServerState {
	return proxy.ServerState{}
}

func (in *inboundRequest) stop() {
	in.mu.Lock()
	in.stopped = true
	in.cond.Broadcast()
	in.mu.Unlock()
}

func (in *inboundRequest) emitReadyRead() {
	in.mu.Lock()
	ev := in.events.ReadyRead
	stopped := in.stopped
	in.mu.Unlock()
	if !stopped && ev != nil {
		ev()
	}
}

func (in *inboundRequest) emitError() {
	in.mu.Lock()
	ev := in.events.Error
	stopped := in.stopped
	in.mu.Unlock()
	if !stopped && ev != nil {
		ev()
	}
}
