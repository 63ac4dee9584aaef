// Package stream bridges a query turn onto a Server-Sent Events
// response. The frame order is fixed: one citations frame, zero or more
// chunk frames, then exactly one completed or error frame. Client
// disconnects cancel the upstream turn; whatever answer text already
// streamed is trimmed to a sentence boundary and marked as stopped.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/query"
	"github.com/edupilot/edupilot/internal/telemetry"
)

// StoppedMarker is appended to a partial answer cut off by cancellation.
const StoppedMarker = query.StoppedMarker

// Executor runs one query turn. Satisfied by query.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, req query.Request, events query.Events) (query.Response, error)
}

// Bridge streams query turns as SSE.
type Bridge struct {
	executor Executor
	metrics  *telemetry.Registry
	logger   *slog.Logger
}

// New creates a bridge.
func New(executor Executor, metrics *telemetry.Registry, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{executor: executor, metrics: metrics, logger: logger}
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type chunkFrame struct {
	Delta string `json:"delta"`
}

// Stream executes the turn and writes SSE frames to w, flushing after
// each frame. A validation failure before the first frame is returned as
// an error so the caller can answer with a plain HTTP status instead;
// once frames are on the wire every outcome ends in a completed or error
// frame and a nil return.
func (b *Bridge) Stream(ctx context.Context, w io.Writer, flush func(), req query.Request) (query.Response, error) {
	sw := &sseWriter{w: w, flush: flush}

	// Deltas arriving before the citations frame are buffered so the
	// citations-first ordering holds no matter what the executor does.
	var buffered []string
	citationsSent := false

	events := query.Events{
		OnCitations: func(citations []query.Citation) error {
			if citations == nil {
				citations = []query.Citation{}
			}
			if err := sw.writeEvent("citations", citations); err != nil {
				return apperr.Cancelled("client disconnected")
			}
			citationsSent = true
			for _, delta := range buffered {
				if err := sw.writeEvent("chunk", chunkFrame{Delta: delta}); err != nil {
					return apperr.Cancelled("client disconnected")
				}
			}
			buffered = nil
			return nil
		},
		OnDelta: func(delta string) error {
			if delta == "" {
				return nil
			}
			if !citationsSent {
				buffered = append(buffered, delta)
				return nil
			}
			if err := sw.writeEvent("chunk", chunkFrame{Delta: delta}); err != nil {
				return apperr.Cancelled("client disconnected")
			}
			return nil
		},
	}

	resp, err := b.executor.Execute(ctx, req, events)

	switch {
	case err == nil:
		if err := sw.writeEvent("completed", resp); err != nil {
			b.count("stream_write_failed")
		}
		b.count("stream_completed")
		return resp, nil

	case apperr.KindOf(err) == apperr.KindCancelled:
		resp.Answer = query.TrimPartial(resp.Answer)
		resp.Diagnostics.LowConfidence = true
		resp.Diagnostics.AnswerFallback = "cancelled"
		// Best effort: the client is usually gone already.
		_ = sw.writeEvent("error", errorFrame{Code: "cancelled", Message: "generation stopped"})
		b.count("stream_cancelled")
		b.logger.Info("stream_cancelled", slog.String("session_id", req.SessionID))
		return resp, nil

	default:
		if !sw.wroteAny {
			return query.Response{}, err
		}
		frame := errorFrame{Code: string(apperr.KindOf(err)), Message: err.Error()}
		if err := sw.writeEvent("error", frame); err != nil {
			b.count("stream_write_failed")
		}
		b.count("stream_errored")
		return resp, nil
	}
}

func (b *Bridge) count(name string) {
	if b.metrics != nil {
		b.metrics.Inc(name)
	}
}

// sseWriter emits one "event:"/"data:" frame pair per call.
type sseWriter struct {
	w        io.Writer
	flush    func()
	wroteAny bool
}

func (s *sseWriter) writeEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.wroteAny = true
	if s.flush != nil {
		s.flush()
	}
	return nil
}
