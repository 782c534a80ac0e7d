package proxy

import (
	"log/slog"
	"strings"

	"grip-proxy-go/internal/httpdata"
	"grip-proxy-go/internal/token"
)

// requestHopHeaders only apply to the incoming hop and must not be relayed
// upstream.
var requestHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Accept-Encoding",
	"Content-Encoding",
	"Transfer-Encoding",
}

// responseHopHeaders only apply to the origin hop and must not be relayed
// downstream.
var responseHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Content-Encoding",
	"Transfer-Encoding",
}

// headerRewriter applies the outbound request and inbound response header
// policies: hop stripping, Grip-Sig trust/signing, X-Forwarded-Protocol,
// and X-Forwarded-For.
type headerRewriter struct {
	upstreamKey           string
	useXForwardedProtocol bool
	xffRule               XffRule
	xffTrustedRule        XffRule
	log                   *slog.Logger
}

// outbound rewrites rd in place for the upstream hop and reports whether the
// request carried a valid Grip-Sig and is being passed through for a trusted
// upstream proxy.
func (r *headerRewriter) outbound(rd *httpdata.RequestData, sigIss, sigKey string, isHTTPS bool, peerAddress string) bool {
	for _, name := range requestHopHeaders {
		rd.Headers.RemoveAll(name)
	}

	passToUpstream := false
	if r.upstreamKey != "" {
		if tok := rd.Headers.Get("Grip-Sig"); tok != "" {
			if token.ValidateToken(tok, r.upstreamKey) {
				r.log.Debug("passing to upstream")
				passToUpstream = true
			} else {
				r.log.Debug("signature present but invalid", "token", tok)
			}
		}
	}

	if !passToUpstream {
		rd.Headers.RemoveAll("Grip-Sig")
		if sigIss != "" && sigKey != "" {
			if tok := token.MakeToken(sigIss, sigKey); tok != "" {
				rd.Headers.Add("Grip-Sig", tok)
			} else {
				r.log.Warn("failed to sign request")
			}
		}
	}

	if r.useXForwardedProtocol {
		rd.Headers.RemoveAll("X-Forwarded-Protocol")
		if isHTTPS {
			rd.Headers.Add("X-Forwarded-Protocol", "https")
		}
	}

	xr := r.xffRule
	if passToUpstream {
		xr = r.xffTrustedRule
	}

	xffValues := rd.Headers.TakeAll("X-Forwarded-For")
	if xr.Truncate >= 0 {
		if drop := len(xffValues) - xr.Truncate; drop > 0 {
			xffValues = xffValues[drop:]
		}
	}
	if xr.Append {
		xffValues = append(xffValues, peerAddress)
	}
	if len(xffValues) > 0 {
		rd.Headers.Add("X-Forwarded-For", httpdata.JoinValues(xffValues))
	}

	return passToUpstream
}

// inboundRewrite rewrites rd in place for the downstream hop and ensures
// framing: with neither Content-Length nor Transfer-Encoding, chunked is
// declared.
func inboundRewrite(rd *httpdata.ResponseData) {
	for _, name := range responseHopHeaders {
		rd.Headers.RemoveAll(name)
	}

	if !rd.Headers.Contains("Content-Length") && !rd.Headers.Contains("Transfer-Encoding") {
		rd.Headers.Add("Transfer-Encoding", "chunked")
	}
}

// bareContentType truncates a Content-Type value at the first ';'.
func bareContentType(v string) string {
	if i := strings.IndexByte(v, ';'); i != -1 {
		return v[:i]
	}
	return v
}
