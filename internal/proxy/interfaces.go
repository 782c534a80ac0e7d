// Package proxy implements the shared proxy session core: one upstream
// fetch multiplexed to any number of attached downstream client sessions,
// with retry across ordered origin targets, capped request/response
// buffering, and a handoff path for GRIP instruct responses.
package proxy

import (
	"net/url"

	"grip-proxy-go/internal/httpdata"
)

// Rid identifies one downstream request.
type Rid struct {
	Sender string `json:"sender"`
	ID     string `json:"id"`
}

// ServerState is the opaque server-side protocol state captured when a
// client session is paused for handoff.
type ServerState struct {
	InSeq      int `json:"in-seq"`
	OutSeq     int `json:"out-seq"`
	OutCredits int `json:"out-credits"`
	UserData   any `json:"user-data,omitempty"`
}

// ClientEvents are the callbacks a client session delivers to its owner.
// Callbacks must be delivered asynchronously with respect to the session's
// own calls into the client; a client must never invoke one synchronously
// from inside StartResponse, WriteResponseBody, or any other session-driven
// operation.
type ClientEvents struct {
	BytesWritten    func(n int)
	ErrorResponding func()
	Finished        func()
	Paused          func()
}

// InboundEvents are the callbacks of the raw downstream request handle.
type InboundEvents struct {
	ReadyRead func()
	Error     func()
}

// InboundRequest is the raw handle of an accepted downstream request,
// used by the session to stream the shared request body upstream.
type InboundRequest interface {
	Subscribe(ev InboundEvents)
	ReadBody() []byte
	IsInputFinished() bool
	ServerState() ServerState
}

// ClientSession wraps one accepted downstream request. The session owns
// attached client sessions for its lifetime.
type ClientSession interface {
	Rid() Rid
	IsHTTPS() bool
	IsRetry() bool
	PeerAddress() string
	AutoCrossOrigin() bool
	JSONPCallback() string
	RequestData() httpdata.RequestData
	Request() InboundRequest

	Subscribe(ev ClientEvents)

	StartResponse(code int, reason string, headers httpdata.Headers)
	WriteResponseBody(p []byte)
	EndResponseBody()
	RespondError(code int, reason, message string)
	RespondCannotAccept()
	Pause()
}

// ErrorCondition classifies an upstream request failure.
type ErrorCondition int

const (
	ErrorNone ErrorCondition = iota
	ErrorGeneric
	ErrorLengthRequired
	ErrorConnect
	ErrorConnectTimeout
	ErrorTLS
)

// String returns the condition name for logging.
func (e ErrorCondition) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorLengthRequired:
		return "length-required"
	case ErrorConnect:
		return "connect"
	case ErrorConnectTimeout:
		return "connect-timeout"
	case ErrorTLS:
		return "tls"
	default:
		return "generic"
	}
}

// UpstreamEvents are the callbacks of an upstream request. Delivery rules
// are as for ClientEvents: never synchronously from inside a session-driven
// operation.
type UpstreamEvents struct {
	ReadyRead    func()
	BytesWritten func(n int)
	Error        func()
}

// UpstreamRequest is one attempt against an origin target.
type UpstreamRequest interface {
	Subscribe(ev UpstreamEvents)

	SetConnectHost(host string)
	SetConnectPort(port int)
	SetIgnorePolicies(on bool)
	SetIgnoreTLSErrors(on bool)

	Start(method string, uri *url.URL, headers httpdata.Headers)
	WriteBody(p []byte)
	EndBody()
	ReadBody(max int) []byte
	IsFinished() bool

	ResponseCode() int
	ResponseReason() string
	ResponseHeaders() httpdata.Headers
	ErrorCondition() ErrorCondition

	// Close releases the handle. No callbacks are delivered after Close.
	Close()
}

// Transport creates upstream request handles.
type Transport interface {
	CreateRequest() UpstreamRequest
}

// XffRule controls X-Forwarded-For rewriting. Truncate < 0 keeps all
// existing entries; Append adds the downstream peer address.
type XffRule struct {
	Truncate int
	Append   bool
}
