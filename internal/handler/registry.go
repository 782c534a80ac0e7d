package handler

import (
	"log/slog"
	"sync"

	"grip-proxy-go/internal/config"
	"grip-proxy-go/internal/handoff"
	"grip-proxy-go/internal/metrics"
	"grip-proxy-go/internal/proxy"
	"grip-proxy-go/internal/routemap"
)

// Registry coalesces client sessions onto shared proxy sessions. Requests
// with identical routing keys join a live session while it still accepts
// clients; everything else gets its own session.
type Registry struct {
	transport proxy.Transport
	routes    routemap.Map
	sink      handoff.Sink
	cfg       *config.Config
	logger    *slog.Logger
	mt        *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	sess    *proxy.Session
	key     string
	clients []*clientSession
}

// NewRegistry creates a Registry.
func NewRegistry(transport proxy.Transport, routes routemap.Map, sink handoff.Sink, cfg *config.Config, logger *slog.Logger, mt *metrics.Metrics) *Registry {
	return &Registry{
		transport: transport,
		routes:    routes,
		sink:      sink,
		cfg:       cfg,
		logger:    logger.With("component", "session_registry"),
		mt:        mt,
		sessions:  make(map[string]*sessionEntry),
	}
}

// shareable reports whether a request may be coalesced onto a shared
// session. Only safe methods share; anything carrying credentials or a
// body gets its own upstream fetch.
func shareable(cs *clientSession) bool {
	rd := cs.RequestData()
	if rd.Method != "GET" && rd.Method != "HEAD" {
		return false
	}
	if rd.Headers.Contains("Authorization") || rd.Headers.Contains("Cookie") {
		return false
	}
	return true
}

func routingKey(cs *clientSession) string {
	rd := cs.RequestData()
	scheme := "http"
	if cs.IsHTTPS() {
		scheme = "https"
	}
	return rd.Method + " " + scheme + "://" + rd.URI.Host + rd.URI.RequestURI()
}

// Dispatch attaches cs to a matching live session, or creates one.
func (r *Registry) Dispatch(cs *clientSession) error {
	if shareable(cs) {
		key := routingKey(cs)

		r.mu.Lock()
		entry := r.sessions[key]
		r.mu.Unlock()

		if entry != nil {
			if err := entry.sess.Add(cs); err == nil {
				r.track(entry, cs)
				return nil
			}
			// session stopped accepting between lookup and add
			r.forget(entry)
		}

		entry = r.newEntry(key)
		r.mu.Lock()
		r.sessions[key] = entry
		r.mu.Unlock()

		if err := entry.sess.Add(cs); err != nil {
			r.forget(entry)
			return err
		}
		r.track(entry, cs)
		return nil
	}

	entry := r.newEntry("")
	if err := entry.sess.Add(cs); err != nil {
		return err
	}
	r.track(entry, cs)
	return nil
}

func (r *Registry) newEntry(key string) *sessionEntry {
	sess := proxy.New(r.transport, r.routes, proxy.Config{
		DefaultSigIss:         r.cfg.Proxy.SigIss,
		DefaultSigKey:         r.cfg.Proxy.SigKey,
		UpstreamKey:           r.cfg.Proxy.UpstreamKey,
		UseXForwardedProtocol: r.cfg.Proxy.UseXForwardedProtocol,
		XffRule: proxy.XffRule{
			Truncate: r.cfg.Proxy.Xff.TruncateValue(),
			Append:   r.cfg.Proxy.Xff.Append,
		},
		XffTrustedRule: proxy.XffRule{
			Truncate: r.cfg.Proxy.XffTrusted.TruncateValue(),
			Append:   r.cfg.Proxy.XffTrusted.Append,
		},
		AcceptTypes: r.cfg.Proxy.AcceptTypes,
		Logger:      r.logger,
		Metrics:     r.mt,
	})

	entry := &sessionEntry{sess: sess, key: key}

	sess.OnAddNotAllowed = func() { r.forget(entry) }
	sess.OnFinishedByPassthrough = func() { r.forget(entry) }
	sess.OnClientDestroyed = func(cs proxy.ClientSession) { r.untrack(entry, cs) }
	sess.OnFinishedForAccept = func(a *proxy.AcceptData) { r.handoff(entry, a) }

	return entry
}

func (r *Registry) track(entry *sessionEntry, cs *clientSession) {
	r.mu.Lock()
	entry.clients = append(entry.clients, cs)
	r.mu.Unlock()
}

func (r *Registry) untrack(entry *sessionEntry, cs proxy.ClientSession) {
	r.mu.Lock()
	for i, c := range entry.clients {
		if proxy.ClientSession(c) == cs {
			entry.clients = append(entry.clients[:i], entry.clients[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// forget detaches a session from the coalescing table. The session keeps
// running; it just no longer receives new clients.
func (r *Registry) forget(entry *sessionEntry) {
	if entry.key == "" {
		return
	}
	r.mu.Lock()
	if r.sessions[entry.key] == entry {
		delete(r.sessions, entry.key)
	}
	r.mu.Unlock()
}

// handoff delivers an accepted session to the sink. If the sink refuses,
// every frozen client gets the cannot-accept response instead.
func (r *Registry) handoff(entry *sessionEntry, a *proxy.AcceptData) {
	r.forget(entry)

	r.mu.Lock()
	clients := append([]*clientSession(nil), entry.clients...)
	entry.clients = nil
	r.mu.Unlock()

	if err := r.sink.Accept(a); err != nil {
		r.logger.Warn("handoff refused", "err", err, "clients", len(clients))
		for _, cs := range clients {
			cs.RespondCannotAccept()
		}
		return
	}

	for _, cs := range clients {
		cs.release()
	}
}
