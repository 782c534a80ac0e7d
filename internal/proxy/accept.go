package proxy

import (
	"encoding/json"

	"grip-proxy-go/internal/httpdata"
)

// AcceptRequest is one frozen client session inside an AcceptData record.
type AcceptRequest struct {
	Rid             Rid    `json:"rid"`
	HTTPS           bool   `json:"https"`
	PeerAddress     string `json:"peer-address"`
	AutoCrossOrigin bool   `json:"auto-cross-origin"`
	JSONPCallback   string `json:"jsonp-callback,omitempty"`
	InSeq           int    `json:"in-seq"`
	OutSeq          int    `json:"out-seq"`
	OutCredits      int    `json:"out-credits"`
	UserData        any    `json:"user-data,omitempty"`
}

// AcceptData carries everything the push subsystem needs to take over a set
// of paused client sessions: per-client protocol state plus the fully
// buffered request and response.
type AcceptData struct {
	Requests []AcceptRequest

	RequestData httpdata.RequestData

	HaveResponse bool
	ResponseData httpdata.ResponseData

	ChannelPrefix string

	HaveInspect bool
	InspectData map[string]any
}

// wireHeaders renders an ordered header list as [name, value] pairs,
// preserving order and duplicates.
func wireHeaders(h httpdata.Headers) [][2]string {
	out := make([][2]string, 0, len(h))
	for _, hdr := range h {
		out = append(out, [2]string{hdr.Name, hdr.Value})
	}
	return out
}

// MarshalJSON flattens the request/response descriptors into the wire form.
func (a *AcceptData) MarshalJSON() ([]byte, error) {
	type wire struct {
		Requests      []AcceptRequest `json:"requests"`
		Method        string          `json:"method"`
		URI           string          `json:"uri"`
		Headers       [][2]string     `json:"headers"`
		Body          []byte          `json:"body"`
		Code          int             `json:"response-code,omitempty"`
		Reason        string          `json:"response-reason,omitempty"`
		RespHeaders   [][2]string     `json:"response-headers,omitempty"`
		RespBody      []byte          `json:"response-body,omitempty"`
		ChannelPrefix string          `json:"channel-prefix,omitempty"`
		Inspect       map[string]any  `json:"inspect,omitempty"`
	}

	w := wire{
		Requests:      a.Requests,
		Method:        a.RequestData.Method,
		Headers:       wireHeaders(a.RequestData.Headers),
		Body:          a.RequestData.Body,
		ChannelPrefix: a.ChannelPrefix,
	}
	if a.RequestData.URI != nil {
		w.URI = a.RequestData.URI.String()
	}
	if a.HaveResponse {
		w.Code = a.ResponseData.Code
		w.Reason = a.ResponseData.Reason
		w.RespHeaders = wireHeaders(a.ResponseData.Headers)
		w.RespBody = a.ResponseData.Body
	}
	if a.HaveInspect {
		w.Inspect = a.InspectData
	}
	return json.Marshal(w)
}
