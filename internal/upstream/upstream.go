// Package upstream implements the proxy core's upstream request contract
// over net/http: one handle per origin attempt, with connect-host/port
// override, TLS-skip, and callback-style delivery of response progress.
package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"grip-proxy-go/internal/config"
	"grip-proxy-go/internal/httpdata"
	"grip-proxy-go/internal/proxy"
)

// maxReadAhead bounds how much response body a handle buffers ahead of the
// session's ReadBody calls. Past this the reader goroutine parks, which is
// what lets the session's sync-to-slowest policy reach TCP.
const maxReadAhead = 100000

// Transport creates upstream request handles. It is the factory the proxy
// core knows as proxy.Transport.
type Transport struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewTransport creates a Transport.
func NewTransport(cfg *config.Config, logger *slog.Logger) *Transport {
	return &Transport{
		cfg:    cfg,
		logger: logger.With("component", "upstream"),
	}
}

// CreateRequest implements proxy.Transport.
func (t *Transport) CreateRequest() proxy.UpstreamRequest {
	ctx, cancel := context.WithCancel(context.Background())
	r := &request{
		tr:     t,
		log:    t.logger,
		ctx:    ctx,
		cancel: cancel,
	}
	r.readCond = sync.NewCond(&r.mu)
	r.writeCond = sync.NewCond(&r.mu)
	return r
}

// request is one attempt against an origin target.
type request struct {
	tr     *Transport
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond

	events proxy.UpstreamEvents

	connectHost    string
	connectPort    int
	ignorePolicies bool
	ignoreTLS      bool

	// write side: chunks queued by WriteBody, drained into the body pipe
	// by the writer goroutine
	writeQueue [][]byte
	writeEnded bool
	pw         *io.PipeWriter

	// read side
	respCode    int
	respReason  string
	respHeaders httpdata.Headers
	buf         []byte
	eof         bool
	failed      bool
	errCond     proxy.ErrorCondition
	closed      bool
}

func (r *request) Subscribe(ev proxy.UpstreamEvents) {
	r.mu.Lock()
	r.events = ev
	r.mu.Unlock()
}

func (r *request) SetConnectHost(host string) { r.connectHost = host }
func (r *request) SetConnectPort(port int) { r.connectPort = port }

// SetIgnorePolicies relaxes policy enforcement for trusted targets. The
// net/http transport enforces no outbound policies, so this is a no-op kept
// for contract parity.
func (r *request) SetIgnorePolicies(on bool) { r.ignorePolicies = on }

func (r *request) SetIgnoreTLSErrors(on bool) { r.ignoreTLS = on }

// Start launches the request. Must be called before WriteBody/EndBody.
func (r *request) Start(method string, uri *url.URL, headers httpdata.Headers) {
	pr, pw := io.Pipe()
	r.mu.Lock()
	r.pw = pw
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(r.ctx, method, uri.String(), pr)
	if err != nil {
		// deliver asynchronously: Start is invoked under the session's lock
		go r.fail(proxy.ErrorGeneric)
		return
	}

	// the ordered header list flattens into net/http's canonical map at
	// this boundary
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			if n, perr := strconv.ParseInt(h.Value, 10, 64); perr == nil {
				req.ContentLength = n
			}
			continue
		}
		req.Header.Add(h.Name, h.Value)
	}
	if host := headers.Get("Host"); host != "" {
		req.Host = host
	}

	dialer := &net.Dialer{
		Timeout:   time.Duration(r.tr.cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
		KeepAlive: 30 * time.Second,
	}
	addr := net.JoinHostPort(r.connectHost, strconv.Itoa(r.connectPort))

	transport := &http.Transport{
		MaxIdleConns:        r.tr.cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: r.tr.cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: r.ignoreTLS,
			ServerName:         uri.Hostname(),
		},
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(r.tr.cfg.Upstream.TimeoutSeconds) * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	go r.writeLoop(pw)
	go r.run(client, req)
}

// writeLoop drains the write queue into the body pipe, reporting each chunk
// back through BytesWritten once the transport has consumed it.
func (r *request) writeLoop(pw *io.PipeWriter) {
	for {
		r.mu.Lock()
		for len(r.writeQueue) == 0 && !r.writeEnded && !r.closed {
			r.writeCond.Wait()
		}
		if r.closed {
			r.mu.Unlock()
			_ = pw.CloseWithError(context.Canceled)
			return
		}
		if len(r.writeQueue) == 0 && r.writeEnded {
			r.mu.Unlock()
			_ = pw.Close()
			return
		}
		chunk := r.writeQueue[0]
		r.writeQueue = r.writeQueue[1:]
		r.mu.Unlock()

		if _, err := pw.Write(chunk); err != nil {
			return
		}
		r.emitBytesWritten(len(chunk))
	}
}

// run performs the request and feeds the read buffer.
func (r *request) run(client *http.Client, req *http.Request) {
	resp, err := client.Do(req)
	if err != nil {
		r.fail(classify(err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	reason := resp.Status
	if cut := strconv.Itoa(resp.StatusCode) + " "; strings.HasPrefix(reason, cut) {
		reason = reason[len(cut):]
	}

	var hdrs httpdata.Headers
	for name, vals := range resp.Header {
		for _, v := range vals {
			hdrs.Add(name, v)
		}
	}

	r.mu.Lock()
	r.respCode = resp.StatusCode
	r.respReason = reason
	r.respHeaders = hdrs
	r.mu.Unlock()

	chunk := make([]byte, 16*1024)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			r.mu.Lock()
			for len(r.buf) >= maxReadAhead && !r.closed {
				r.readCond.Wait()
			}
			if r.closed {
				r.mu.Unlock()
				return
			}
			r.buf = append(r.buf, chunk[:n]...)
			r.mu.Unlock()

			r.emitReadyRead()
		}
		if rerr != nil {
			if rerr == io.EOF {
				r.mu.Lock()
				r.eof = true
				r.mu.Unlock()
				r.emitReadyRead()
			} else {
				r.fail(classify(rerr))
			}
			return
		}
	}
}

func (r *request) WriteBody(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := append([]byte(nil), p...)
	r.mu.Lock()
	r.writeQueue = append(r.writeQueue, chunk)
	r.writeCond.Signal()
	r.mu.Unlock()
}

func (r *request) EndBody() {
	r.mu.Lock()
	r.writeEnded = true
	r.writeCond.Signal()
	r.mu.Unlock()
}

func (r *request) ReadBody(max int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max <= 0 || len(r.buf) == 0 {
		return nil
	}
	n := len(r.buf)
	if n > max {
		n = max
	}
	out := append([]byte(nil), r.buf[:n]...)
	r.buf = r.buf[n:]
	r.readCond.Signal()
	return out
}

func (r *request) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eof && len(r.buf) == 0 && !r.failed
}

func (r *request) ResponseCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respCode
}

func (r *request) ResponseReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respReason
}

func (r *request) ResponseHeaders() httpdata.Headers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respHeaders.Clone()
}

func (r *request) ErrorCondition() proxy.ErrorCondition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errCond
}

func (r *request) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.readCond.Broadcast()
	r.writeCond.Broadcast()
	r.mu.Unlock()

	r.cancel()
}

func (r *request) fail(cond proxy.ErrorCondition) {
	r.mu.Lock()
	r.failed = true
	r.errCond = cond
	ev := r.events.Error
	closed := r.closed
	r.mu.Unlock()

	if !closed && ev != nil {
		ev()
	}
}

func (r *request) emitReadyRead() {
	r.mu.Lock()
	ev := r.events.ReadyRead
	closed := r.closed
	r.mu.Unlock()

	if !closed && ev != nil {
		ev()
	}
}

func (r *request) emitBytesWritten(n int) {
	r.mu.Lock()
	ev := r.events.BytesWritten
	closed := r.closed
	r.mu.Unlock()

	if !closed && ev != nil {
		ev(n)
	}
}

// classify maps a transport error onto the proxy's error conditions.
func classify(err error) proxy.ErrorCondition {
	var certErr *tls.CertificateVerificationError
	var recErr tls.RecordHeaderError
	var unkErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &recErr) ||
		errors.As(err, &unkErr) || errors.As(err, &hostErr) {
		return proxy.ErrorTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if opErr.Timeout() {
			return proxy.ErrorConnectTimeout
		}
		return proxy.ErrorConnect
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return proxy.ErrorConnect
	}

	return proxy.ErrorGeneric
}
