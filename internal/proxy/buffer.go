package proxy

import "grip-proxy-go/internal/httpdata"

// Buffer caps. While a body stays under its cap it is buffered and the
// session remains replayable (handoff-capable, late-join-capable); crossing
// a cap flips the session into pure streaming.
const (
	MaxAcceptRequestBody  = 100000
	MaxAcceptResponseBody = 100000

	MaxInitialBuffer = 100000
	MaxStreamBuffer  = 100000
)

// appendCapped appends p to buf unless that would push it past max, in
// which case the buffer is discarded and false is returned.
func appendCapped(buf *httpdata.BufferList, p []byte, max int) bool {
	if buf.Size()+len(p) > max {
		buf.Clear()
		return false
	}
	buf.Append(p)
	return true
}
