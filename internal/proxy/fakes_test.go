package proxy

import (
	"bytes"
	"net/url"

	"grip-proxy-go/internal/httpdata"
	"grip-proxy-go/internal/routemap"
)

// fakeRoutes returns a fixed entry for every lookup.
type fakeRoutes struct {
	entry *routemap.Entry

	lastHost  string
	lastPath  string
	lastHTTPS bool
}

func (r *fakeRoutes) Entry(host, encPath string, https bool) *routemap.Entry {
	r.lastHost = host
	r.lastPath = encPath
	r.lastHTTPS = https
	if r.entry == nil {
		return nil
	}
	e := *r.entry
	e.Targets = append([]routemap.Target(nil), r.entry.Targets...)
	return &e
}

// fakeInbound is a scriptable downstream request body.
type fakeInbound struct {
	ev    InboundEvents
	buf   []byte
	eof   bool
	state ServerState
}

func (in *fakeInbound) Subscribe(ev InboundEvents) { in.ev = ev }

func (in *fakeInbound) ReadBody() []byte {
	out := in.buf
	in.buf = nil
	return out
}

func (in *fakeInbound) IsInputFinished() bool { return in.eof && len(in.buf) == 0 }

func (in *fakeInbound) ServerState() ServerState { return in.state }

// feed makes data readable and fires ReadyRead.
func (in *fakeInbound) feed(p []byte, end bool) {
	in.buf = append(in.buf, p...)
	if end {
		in.eof = true
	}
	if in.ev.ReadyRead != nil {
		in.ev.ReadyRead()
	}
}

// fakeClient records everything the session does to it.
type fakeClient struct {
	rid   Rid
	https bool
	retry bool
	peer  string
	rd    httpdata.RequestData
	in    *fakeInbound

	ev ClientEvents

	started      bool
	code         int
	reason       string
	headers      httpdata.Headers
	body         bytes.Buffer
	writes       []int
	ended        bool
	errCode      int
	errReason    string
	errMessage   string
	cannotAccept bool
	paused       bool
}

func newFakeClient(method, rawurl string, body []byte) *fakeClient {
	u, err := url.Parse(rawurl)
	if err != nil {
		panic(err)
	}
	return &fakeClient{
		rid:  Rid{Sender: "test", ID: rawurl},
		peer: "10.0.0.1",
		rd: httpdata.RequestData{
			Method: method,
			URI:    u,
			Body:   body,
		},
		in: &fakeInbound{eof: true},
	}
}

func (c *fakeClient) Rid() Rid { return c.rid }
func (c *fakeClient) IsHTTPS() bool { return c.https }
func (c *fakeClient) IsRetry() bool { return c.retry }
func (c *fakeClient) PeerAddress() string { return c.peer }
func (c *fakeClient) AutoCrossOrigin() bool { return false }
func (c *fakeClient) JSONPCallback() string { return "" }
func (c *fakeClient) RequestData() httpdata.RequestData { return c.rd }
func (c *fakeClient) Request() InboundRequest { return c.in }
func (c *fakeClient) Subscribe(ev ClientEvents) { c.ev = ev }

func (c *fakeClient) StartResponse(code int, reason string, headers httpdata.Headers) {
	c.started = true
	c.code = code
	c.reason = reason
	c.headers = headers
}

func (c *fakeClient) WriteResponseBody(p []byte) {
	c.body.Write(p)
	c.writes = append(c.writes, len(p))
}

func (c *fakeClient) EndResponseBody() { c.ended = true }

func (c *fakeClient) RespondError(code int, reason, message string) {
	c.errCode = code
	c.errReason = reason
	c.errMessage = message
}

func (c *fakeClient) RespondCannotAccept() { c.cannotAccept = true }

func (c *fakeClient) Pause() { c.paused = true }

// ack acknowledges n response bytes, as the real transport would after a
// write completes.
func (c *fakeClient) ack(n int) {
	if c.ev.BytesWritten != nil {
		c.ev.BytesWritten(n)
	}
}

func (c *fakeClient) finish() {
	if c.ev.Finished != nil {
		c.ev.Finished()
	}
}

func (c *fakeClient) pauseDone() {
	if c.ev.Paused != nil {
		c.ev.Paused()
	}
}

// fakeUpstream is a scriptable origin attempt.
type fakeUpstream struct {
	ev UpstreamEvents

	connectHost    string
	connectPort    int
	ignorePolicies bool
	ignoreTLS      bool

	started bool
	method  string
	uri     *url.URL
	headers httpdata.Headers
	written bytes.Buffer
	ended   bool
	closed  bool

	code        int
	reason      string
	respHeaders httpdata.Headers
	readBuf     []byte
	finished    bool
	errCond     ErrorCondition
}

func (u *fakeUpstream) Subscribe(ev UpstreamEvents) { u.ev = ev }

func (u *fakeUpstream) SetConnectHost(h string) { u.connectHost = h }
func (u *fakeUpstream) SetConnectPort(p int) { u.connectPort = p }
func (u *fakeUpstream) SetIgnorePolicies(on bool) { u.ignorePolicies = on }
func (u *fakeUpstream) SetIgnoreTLSErrors(on bool) { u.ignoreTLS = on }

func (u *fakeUpstream) Start(method string, uri *url.URL, headers httpdata.Headers) {
	u.started = true
	u.method = method
	u.uri = uri
	u.headers = headers
}

func (u *fakeUpstream) WriteBody(p []byte) { u.written.Write(p) }
func (u *fakeUpstream) EndBody() { u.ended = true }

func (u *fakeUpstream) ReadBody(max int) []byte {
	if max <= 0 || len(u.readBuf) == 0 {
		return nil
	}
	n := len(u.readBuf)
	if n > max {
		n = max
	}
	out := u.readBuf[:n]
	u.readBuf = u.readBuf[n:]
	return out
}

func (u *fakeUpstream) IsFinished() bool { return u.finished && len(u.readBuf) == 0 }

func (u *fakeUpstream) ResponseCode() int { return u.code }
func (u *fakeUpstream) ResponseReason() string { return u.reason }
func (u *fakeUpstream) ResponseHeaders() httpdata.Headers { return u.respHeaders }
func (u *fakeUpstream) ErrorCondition() ErrorCondition { return u.errCond }
func (u *fakeUpstream) Close() { u.closed = true }

// respond scripts the response head plus initial body and fires ReadyRead.
func (u *fakeUpstream) respond(code int, reason string, headers httpdata.Headers, body []byte, end bool) {
	u.code = code
	u.reason = reason
	u.respHeaders = headers
	u.readBuf = append(u.readBuf, body...)
	u.finished = end
	if u.ev.ReadyRead != nil {
		u.ev.ReadyRead()
	}
}

// push delivers a further body chunk.
func (u *fakeUpstream) push(body []byte, end bool) {
	u.readBuf = append(u.readBuf, body...)
	u.finished = end
	if u.ev.ReadyRead != nil {
		u.ev.ReadyRead()
	}
}

func (u *fakeUpstream) fail(cond ErrorCondition) {
	u.errCond = cond
	if u.ev.Error != nil {
		u.ev.Error()
	}
}

// fakeTransport hands out scripted upstreams in order.
type fakeTransport struct {
	queue   []*fakeUpstream
	created []*fakeUpstream
}

func (t *fakeTransport) CreateRequest() UpstreamRequest {
	var u *fakeUpstream
	if len(t.queue) > 0 {
		u = t.queue[0]
		t.queue = t.queue[1:]
	} else {
		u = &fakeUpstream{}
	}
	t.created = append(t.created, u)
	return u
}
