package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"grip-proxy-go/internal/httpdata"
	"grip-proxy-go/internal/metrics"
	"grip-proxy-go/internal/routemap"
)

// sessionState is the top-level session state machine. Transitions are
// monotonic: Stopped -> Requesting -> (Accepting | Responding) -> done.
type sessionState int

const (
	stateStopped sessionState = iota
	stateRequesting
	stateAccepting
	stateResponding
)

// ErrAddNotAllowed is returned by Add once the session no longer accepts
// new clients (response fully received, or the initial buffer was shed).
var ErrAddNotAllowed = errors.New("proxy: session no longer accepts clients")

// Config carries the session-level proxy options.
type Config struct {
	// DefaultSigIss/DefaultSigKey sign the outbound Grip-Sig header when
	// the route carries no signing material of its own.
	DefaultSigIss string
	DefaultSigKey string

	// UpstreamKey validates an inbound Grip-Sig. Empty disables the check.
	UpstreamKey string

	// UseXForwardedProtocol emits X-Forwarded-Protocol on the upstream hop.
	UseXForwardedProtocol bool

	XffRule        XffRule
	XffTrustedRule XffRule

	// AcceptTypes are the content types that divert a response into the
	// handoff path. Defaults to application/grip-instruct.
	AcceptTypes []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session is one shared proxy session: a single logical upstream request
// serving every attached downstream client.
//
// All methods are safe for concurrent use; internally every entry point
// (Add, CannotAccept, upstream callbacks, client callbacks) serializes on
// one mutex. Collaborator implementations must deliver their callbacks
// asynchronously, never from inside a session-driven call.
type Session struct {
	mu sync.Mutex

	transport Transport
	routes    routemap.Map
	log       *slog.Logger
	mt        *metrics.Metrics

	rewriter    headerRewriter
	sigIss      string
	sigKey      string
	acceptTypes map[string]struct{}

	state          sessionState
	channelPrefix  string
	targets        targetIterator
	upstream       UpstreamRequest
	inRequest      InboundRequest
	isHTTPS        bool
	addAllowed     bool
	passToUpstream bool

	haveInspect bool
	inspect     map[string]any

	fan fanout

	requestData  httpdata.RequestData
	responseData httpdata.ResponseData
	requestBody  httpdata.BufferList
	responseBody httpdata.BufferList

	initialRequestBody  []byte
	requestBytesToWrite int
	total               int
	buffering           bool
	finished            bool

	// Signals. Set before the first Add; emitted with the session lock
	// held, so handlers must not call back into the session synchronously.
	OnAddNotAllowed         func()
	OnClientDestroyed       func(cs ClientSession)
	OnFinishedByPassthrough func()
	OnFinishedForAccept     func(a *AcceptData)
}

// New creates an empty (Stopped) session. The first Add binds it to a
// route and starts the upstream request.
func New(transport Transport, routes routemap.Map, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy_session")

	accept := cfg.AcceptTypes
	if len(accept) == 0 {
		accept = []string{"application/grip-instruct"}
	}
	acceptSet := make(map[string]struct{}, len(accept))
	for _, t := range accept {
		acceptSet[t] = struct{}{}
	}

	return &Session{
		transport: transport,
		routes:    routes,
		log:       logger,
		mt:        cfg.Metrics,
		rewriter: headerRewriter{
			upstreamKey:           cfg.UpstreamKey,
			useXForwardedProtocol: cfg.UseXForwardedProtocol,
			xffRule:               cfg.XffRule,
			xffTrustedRule:        cfg.XffTrustedRule,
			log:                   logger,
		},
		sigIss:      cfg.DefaultSigIss,
		sigKey:      cfg.DefaultSigKey,
		acceptTypes: acceptSet,
		state:       stateStopped,
		addAllowed:  true,
		fan:         newFanout(),
	}
}

// SetInspectData attaches an opaque record forwarded through to the
// handoff. Call before the handoff can fire.
func (s *Session) SetInspectData(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveInspect = true
	s.inspect = data
}

// Add attaches a client session. The first Add drives route resolution and
// the upstream request; later Adds join the stream in progress. The session
// owns cs from a successful Add onward.
func (s *Session) Add(cs ClientSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || !s.addAllowed {
		return ErrAddNotAllowed
	}

	si := s.fan.add(cs)
	cs.Subscribe(ClientEvents{
		BytesWritten:    func(n int) { s.clientBytesWritten(cs, n) },
		ErrorResponding: func() { s.clientErrorResponding(cs) },
		Finished:        func() { s.clientFinished(cs) },
		Paused:          func() { s.clientPaused(cs) },
	})

	if s.mt != nil {
		s.mt.ClientsAttached.Inc()
	}

	switch s.state {
	case stateStopped:
		s.startRequest(cs)

	case stateRequesting, stateAccepting:
		// nothing to do, just wait around until a response comes

	case stateResponding:
		// get the session caught up with where we're at
		si.state = clientResponding
		cs.StartResponse(s.responseData.Code, s.responseData.Reason, s.responseData.Headers.Clone())

		if s.responseBody.Size() > 0 {
			si.bytesToWrite += s.responseBody.Size()
			cs.WriteResponseBody(s.responseBody.Bytes())
		}
	}

	return nil
}

// CannotAccept sends the cannot-accept response to every client still
// waiting for a response.
func (s *Session) CannotAccept() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, si := range s.fan.items {
		if si.state == clientWaitingForResponse {
			si.state = clientResponded
			si.bytesToWrite = bytesToWriteDone
			si.cs.RespondCannotAccept()
		}
	}
}

// startRequest runs the Stopped -> Requesting transition driven by the
// first attached client.
func (s *Session) startRequest(cs ClientSession) {
	s.requestData = cs.RequestData().Clone()
	s.isHTTPS = cs.IsHTTPS()

	s.requestBody.Append(s.requestData.Body)
	s.requestData.Body = nil

	if s.requestData.URI == nil {
		s.log.Warn("request has no URI")
		s.rejectAll(502, "Bad Gateway", "No route for host: ")
		return
	}

	host := s.requestData.URI.Hostname()

	entry := s.routes.Entry(host, s.requestData.URI.EscapedPath(), s.isHTTPS)
	if entry == nil {
		s.log.Warn("no route for host", "host", host)
		s.rejectAll(502, "Bad Gateway", fmt.Sprintf("No route for host: %s", host))
		return
	}

	if entry.SigIss != "" && entry.SigKey != "" {
		s.sigIss = entry.SigIss
		s.sigKey = entry.SigKey
	}

	s.channelPrefix = entry.Prefix
	s.targets = targetIterator{targets: entry.Targets}

	s.log.Debug("route resolved", "host", host, "targets", len(entry.Targets))

	s.passToUpstream = s.rewriter.outbound(&s.requestData, s.sigIss, s.sigKey, s.isHTTPS, cs.PeerAddress())

	s.state = stateRequesting
	s.buffering = true

	if s.mt != nil {
		s.mt.SessionsStarted.Inc()
		s.mt.SessionsActive.Inc()
	}

	if !cs.IsRetry() {
		s.inRequest = cs.Request()
		s.inRequest.Subscribe(InboundEvents{
			ReadyRead: s.inRequestReadyRead,
			Error:     s.inRequestError,
		})
		s.requestBody.Append(s.inRequest.ReadBody())
	}

	s.initialRequestBody = s.requestBody.Bytes()

	// past the cap the request can no longer be replayed into a handoff
	if s.requestBody.Size() > MaxAcceptRequestBody {
		s.requestBody.Clear()
		s.buffering = false
	}

	s.tryNextTarget()
}

func (s *Session) tryNextTarget() {
	target, ok := s.targets.next()
	if !ok {
		s.rejectAll(502, "Bad Gateway", "Error while proxying to origin.")
		return
	}

	uri := *s.requestData.URI
	if target.SSL {
		uri.Scheme = "https"
	} else {
		uri.Scheme = "http"
	}

	s.log.Debug("forwarding to target", "host", target.Host, "port", target.Port)

	req := s.transport.CreateRequest()
	s.upstream = req
	req.Subscribe(UpstreamEvents{
		ReadyRead:    func() { s.upstreamReadyRead(req) },
		BytesWritten: func(n int) { s.upstreamBytesWritten(req, n) },
		Error:        func() { s.upstreamError(req) },
	})

	if target.Trusted {
		s.upstream.SetIgnorePolicies(true)
	}
	if target.Insecure {
		s.upstream.SetIgnoreTLSErrors(true)
	}

	s.upstream.SetConnectHost(target.Host)
	s.upstream.SetConnectPort(target.Port)

	s.upstream.Start(s.requestData.Method, &uri, s.requestData.Headers.Clone())

	if len(s.initialRequestBody) > 0 {
		s.requestBytesToWrite += len(s.initialRequestBody)
		s.upstream.WriteBody(s.initialRequestBody)
	}

	if s.inRequest == nil || s.inRequest.IsInputFinished() {
		s.upstream.EndBody()
	}
}

func (s *Session) tryRequestRead() {
	buf := s.inRequest.ReadBody()
	if len(buf) == 0 {
		return
	}

	s.log.Debug("input chunk", "size", len(buf))

	if s.buffering && !appendCapped(&s.requestBody, buf, MaxAcceptRequestBody) {
		s.buffering = false
	}

	s.requestBytesToWrite += len(buf)
	s.upstream.WriteBody(buf)
}

// rejectAll sends an error response to every waiting client.
func (s *Session) rejectAll(code int, reason, message string) {
	for _, si := range s.fan.items {
		if si.state == clientWaitingForResponse {
			si.state = clientResponded
			si.bytesToWrite = bytesToWriteDone
			si.cs.RespondError(code, reason, message)
		}
	}
}

// destroyAll gracefully ends every responding client's body. Only
// meaningful in Responding state, where no new status can be sent.
func (s *Session) destroyAll() {
	for _, si := range s.fan.items {
		if si.state == clientResponding {
			si.state = clientResponded
			si.bytesToWrite = bytesToWriteDone
			si.cs.EndResponseBody()
		}
	}
}

// tryResponseRead pulls more response body from the upstream and fans it
// out. With buffering off, reading is gated on every client having drained
// (sync to slowest).
func (s *Session) tryResponseRead() {
	if !s.buffering && s.fan.pendingWrites() {
		return
	}

	buf := s.upstream.ReadBody(MaxStreamBuffer)
	if len(buf) > 0 {
		s.total += len(buf)
		s.log.Debug("upstream chunk", "size", len(buf), "total", s.total)

		if s.state == stateAccepting {
			if s.responseBody.Size()+len(buf) > MaxAcceptResponseBody {
				s.rejectAll(502, "Bad Gateway", "GRIP instruct response too large.")
				return
			}

			s.responseBody.Append(buf)
		} else { // Responding
			wasAllowed := s.addAllowed

			if s.buffering && !appendCapped(&s.responseBody, buf, MaxInitialBuffer) {
				s.buffering = false
				s.addAllowed = false
			}

			s.log.Debug("writing to clients", "size", len(buf), "clients", len(s.fan.items))

			for _, si := range s.fan.items {
				if si.state == clientResponding {
					si.bytesToWrite += len(buf)
					si.cs.WriteResponseBody(buf)
				}
			}

			if wasAllowed && !s.addAllowed {
				s.emitAddNotAllowed()
				if s.finished {
					return
				}
			}
		}
	}

	s.checkIncomingResponseFinished()
}

func (s *Session) emitAddNotAllowed() {
	if s.OnAddNotAllowed != nil {
		s.OnAddNotAllowed()
	}
}

// checkIncomingResponseFinished completes the upstream side once its
// response has been fully received and, when buffering is off, every client
// has drained.
func (s *Session) checkIncomingResponseFinished() {
	if s.upstream == nil || !s.upstream.IsFinished() {
		return
	}

	s.log.Debug("response from target finished")

	if !s.buffering && s.fan.pendingWrites() {
		s.log.Debug("clients still draining, deferring finish")
		return
	}

	s.upstream.Close()
	s.upstream = nil

	if s.state == stateAccepting {
		for _, si := range s.fan.items {
			si.state = clientPausing
			si.cs.Pause()
		}
	} else { // Responding
		for _, si := range s.fan.items {
			if si.state == clientResponding {
				si.state = clientResponded
				si.cs.EndResponseBody()
			}
		}

		// once the entire response has been received, cut off any new adds
		if s.addAllowed {
			s.addAllowed = false
			s.emitAddNotAllowed()
		}
	}
}

// --- downstream request input callbacks

func (s *Session) inRequestReadyRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.inRequest == nil || s.upstream == nil {
		return
	}

	s.tryRequestRead()

	if s.inRequest.IsInputFinished() {
		s.upstream.EndBody()
	}
}

func (s *Session) inRequestError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}

	s.log.Warn("error reading request")
	s.rejectAll(500, "Internal Server Error", "Primary shared request failed.")
}

// --- upstream callbacks

func (s *Session) upstreamReadyRead(req UpstreamRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.upstream != req {
		return
	}

	if s.state == stateRequesting {
		s.responseData.Code = s.upstream.ResponseCode()
		s.responseData.Reason = s.upstream.ResponseReason()
		s.responseData.Headers = s.upstream.ResponseHeaders().Clone()

		buf := s.upstream.ReadBody(MaxInitialBuffer)
		s.responseBody.Append(buf)

		s.total += len(buf)
		s.log.Debug("response from target", "code", s.responseData.Code, "total", s.total)

		contentType := bareContentType(s.responseData.Headers.Get("Content-Type"))

		if _, accept := s.acceptTypes[contentType]; accept && !s.passToUpstream {
			if !s.buffering {
				s.rejectAll(502, "Bad Gateway", "Request too large to accept GRIP instruct.")
				return
			}

			s.state = stateAccepting
		} else {
			s.state = stateResponding

			inboundRewrite(&s.responseData)

			for _, si := range s.fan.items {
				if si.state == clientErrored {
					continue
				}

				si.state = clientResponding
				si.cs.StartResponse(s.responseData.Code, s.responseData.Reason, s.responseData.Headers.Clone())

				if s.responseBody.Size() > 0 {
					si.bytesToWrite += s.responseBody.Size()
					si.cs.WriteResponseBody(s.responseBody.Bytes())
				}
			}
		}

		s.checkIncomingResponseFinished()
	} else {
		// Accepting or Responding
		s.tryResponseRead()
	}
}

func (s *Session) upstreamBytesWritten(req UpstreamRequest, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.upstream != req {
		return
	}

	s.requestBytesToWrite -= n
	if s.requestBytesToWrite < 0 {
		s.requestBytesToWrite = 0
	}

	if s.requestBytesToWrite == 0 && s.inRequest != nil && s.upstream != nil {
		s.tryRequestRead()
	}
}

func (s *Session) upstreamError(req UpstreamRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.upstream != req {
		return
	}

	cond := s.upstream.ErrorCondition()
	s.log.Debug("target error", "state", int(s.state), "condition", cond.String())

	if s.mt != nil {
		s.mt.UpstreamErrors.WithLabelValues(cond.String()).Inc()
	}

	if s.state == stateRequesting || s.state == stateAccepting {
		tryAgain := false

		switch cond {
		case ErrorLengthRequired:
			s.rejectAll(411, "Length Required", "Must provide Content-Length header.")
		case ErrorConnect, ErrorConnectTimeout, ErrorTLS:
			// connection-class errors cannot occur once a response has
			// been received
			if s.state != stateRequesting {
				s.rejectAll(502, "Bad Gateway", "Error while proxying to origin.")
				break
			}
			tryAgain = true
		default:
			s.rejectAll(502, "Bad Gateway", "Error while proxying to origin.")
		}

		if tryAgain {
			s.upstream.Close()
			s.upstream = nil
			if s.mt != nil {
				s.mt.TargetRetries.Inc()
			}
			s.tryNextTarget()
		}
	} else if s.state == stateResponding {
		// already responding, so no new status can be sent
		s.destroyAll()
	}
}

// --- client callbacks

func (s *Session) clientBytesWritten(cs ClientSession, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}

	si := s.fan.item(cs)
	if si == nil {
		return
	}

	s.log.Debug("client bytes written", "id", cs.Rid().ID, "count", n)

	if si.bytesToWrite != bytesToWriteDone {
		si.bytesToWrite -= n
		if si.bytesToWrite < 0 {
			si.bytesToWrite = 0
		}
	}

	// everyone caught up? try to read some more then
	if !s.buffering && s.upstream != nil && !s.fan.pendingWrites() {
		s.tryResponseRead()
	}
}

func (s *Session) clientFinished(cs ClientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}

	si := s.fan.item(cs)
	if si == nil {
		return
	}

	s.log.Debug("client finished", "id", cs.Rid().ID)

	if s.OnClientDestroyed != nil {
		s.OnClientDestroyed(cs)
	}
	if s.finished {
		return
	}

	s.fan.remove(cs)

	if s.fan.empty() {
		s.log.Debug("finished by passthrough")
		s.dissolve()
		if s.mt != nil {
			s.mt.PassthroughTotal.Inc()
		}
		if s.OnFinishedByPassthrough != nil {
			s.OnFinishedByPassthrough()
		}
	}
}

func (s *Session) clientPaused(cs ClientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}

	si := s.fan.item(cs)
	if si == nil || si.state != clientPausing {
		return
	}

	s.log.Debug("client paused", "id", cs.Rid().ID)

	si.state = clientPaused

	if !s.fan.allPaused() {
		return
	}

	adata := &AcceptData{
		ChannelPrefix: s.channelPrefix,
		HaveResponse:  true,
	}

	for _, it := range s.fan.items {
		ss := it.cs.Request().ServerState()
		adata.Requests = append(adata.Requests, AcceptRequest{
			Rid:             it.cs.Rid(),
			HTTPS:           it.cs.IsHTTPS(),
			PeerAddress:     it.cs.PeerAddress(),
			AutoCrossOrigin: it.cs.AutoCrossOrigin(),
			JSONPCallback:   it.cs.JSONPCallback(),
			InSeq:           ss.InSeq,
			OutSeq:          ss.OutSeq,
			OutCredits:      ss.OutCredits,
			UserData:        ss.UserData,
		})
	}

	adata.RequestData = s.requestData
	adata.RequestData.Body = s.requestBody.Take()

	adata.ResponseData = s.responseData
	adata.ResponseData.Body = s.responseBody.Take()

	if s.haveInspect {
		adata.HaveInspect = true
		adata.InspectData = s.inspect
	}

	s.log.Debug("finished for accept", "clients", len(adata.Requests))

	s.fan.clear()
	s.dissolve()
	if s.mt != nil {
		s.mt.HandoffsTotal.Inc()
	}
	if s.OnFinishedForAccept != nil {
		s.OnFinishedForAccept(adata)
	}
}

func (s *Session) clientErrorResponding(cs ClientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}

	si := s.fan.item(cs)
	if si == nil || si.state == clientErrored {
		return
	}

	s.log.Debug("client error responding", "id", cs.Rid().ID)

	// flag that we should stop attempting to respond. the entry stays
	// until its finished signal arrives.
	si.state = clientErrored
	si.bytesToWrite = bytesToWriteDone
}

// dissolve marks the session finished and releases the upstream handle.
// Emitted signals after this point are the session's last words; all later
// callbacks are ignored.
func (s *Session) dissolve() {
	s.finished = true
	if s.upstream != nil {
		s.upstream.Close()
		s.upstream = nil
	}
	if s.mt != nil {
		if s.state != stateStopped {
			s.mt.SessionsActive.Dec()
		}
		s.mt.ProxiedBytes.Add(float64(s.total))
	}
}
