// Package handoff defines the sink that receives accepted sessions from the
// proxy core, plus a logging sink used when no push subsystem is attached.
package handoff

import (
	"encoding/json"
	"errors"
	"log/slog"

	"grip-proxy-go/internal/proxy"
)

// Sink receives handoff records. Returning an error means the sink cannot
// take over the sessions; the caller then sends the cannot-accept response
// to every frozen client.
type Sink interface {
	Accept(a *proxy.AcceptData) error
}

// ErrRefused is returned by a sink that is configured to refuse handoffs.
var ErrRefused = errors.New("handoff: sink refused accept")

// LogSink serializes each record to JSON and logs it. With Refuse set it
// rejects every handoff, which drives the proxy's cannot-accept response.
type LogSink struct {
	Logger *slog.Logger
	Refuse bool
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger, refuse bool) *LogSink {
	return &LogSink{Logger: logger.With("component", "handoff_sink"), Refuse: refuse}
}

// Accept implements Sink.
func (s *LogSink) Accept(a *proxy.AcceptData) error {
	if s.Refuse {
		return ErrRefused
	}

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}

	s.Logger.Info("accepted session handoff",
		"clients", len(a.Requests),
		"channel_prefix", a.ChannelPrefix,
		"record", json.RawMessage(data),
	)
	return nil
}
