package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/query"
	"github.com/edupilot/edupilot/internal/telemetry"
)

// scriptedExecutor drives the event hooks like the orchestrator would.
type scriptedExecutor struct {
	citations []query.Citation
	deltas    []string
	resp      query.Response
	err       error
	// deltaFirst sends a delta before the citations to exercise the
	// bridge's buffering.
	deltaFirst bool
}

func (s *scriptedExecutor) Execute(_ context.Context, _ query.Request, events query.Events) (query.Response, error) {
	emitDelta := func(d string) {
		if events.OnDelta != nil {
			_ = events.OnDelta(d)
		}
	}

	rest := s.deltas
	if s.deltaFirst && len(rest) > 0 {
		emitDelta(rest[0])
		rest = rest[1:]
	}
	if events.OnCitations != nil {
		_ = events.OnCitations(s.citations)
	}
	for _, d := range rest {
		emitDelta(d)
	}
	return s.resp, s.err
}

type frame struct {
	event string
	data  string
}

func parseFrames(t *testing.T, raw string) []frame {
	t.Helper()
	var frames []frame
	for _, block := range strings.Split(strings.TrimSpace(raw), "\n\n") {
		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2, "malformed frame: %q", block)
		require.True(t, strings.HasPrefix(lines[0], "event: "))
		require.True(t, strings.HasPrefix(lines[1], "data: "))
		frames = append(frames, frame{
			event: strings.TrimPrefix(lines[0], "event: "),
			data:  strings.TrimPrefix(lines[1], "data: "),
		})
	}
	return frames
}

func TestStreamFrameOrder(t *testing.T) {
	exec := &scriptedExecutor{
		citations: []query.Citation{{Marker: 1, ChunkID: "kb::0000", Title: "Guide"}},
		deltas:    []string{"Tuition ", "is low."},
		resp:      query.Response{Answer: "Tuition is low.", Language: "en"},
	}
	b := New(exec, telemetry.NewRegistry(), nil)

	var buf bytes.Buffer
	flushes := 0
	resp, err := b.Stream(context.Background(), &buf, func() { flushes++ }, query.Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Tuition is low.", resp.Answer)

	frames := parseFrames(t, buf.String())
	require.Len(t, frames, 4)
	assert.Equal(t, "citations", frames[0].event)
	assert.Equal(t, "chunk", frames[1].event)
	assert.Equal(t, "chunk", frames[2].event)
	assert.Equal(t, "completed", frames[3].event)
	assert.Equal(t, 4, flushes)

	var delta chunkFrame
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &delta))
	assert.Equal(t, "Tuition ", delta.Delta)

	var citations []query.Citation
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &citations))
	require.Len(t, citations, 1)
	assert.Equal(t, "kb::0000", citations[0].ChunkID)
}

func TestStreamBuffersDeltaUntilCitations(t *testing.T) {
	exec := &scriptedExecutor{
		citations:  []query.Citation{{Marker: 1}},
		deltas:     []string{"early ", "late"},
		deltaFirst: true,
		resp:       query.Response{Answer: "early late"},
	}
	b := New(exec, nil, nil)

	var buf bytes.Buffer
	_, err := b.Stream(context.Background(), &buf, nil, query.Request{Query: "q"})
	require.NoError(t, err)

	frames := parseFrames(t, buf.String())
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, "citations", frames[0].event)
	var first chunkFrame
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &first))
	assert.Equal(t, "early ", first.Delta)
}

func TestStreamEmptyCitationsStillFramed(t *testing.T) {
	exec := &scriptedExecutor{
		citations: nil,
		deltas:    []string{"no sources answer"},
		resp:      query.Response{Answer: "no sources answer"},
	}
	b := New(exec, nil, nil)

	var buf bytes.Buffer
	_, err := b.Stream(context.Background(), &buf, nil, query.Request{Query: "q"})
	require.NoError(t, err)

	frames := parseFrames(t, buf.String())
	assert.Equal(t, "citations", frames[0].event)
	assert.Equal(t, "[]", frames[0].data)
}

func TestStreamCancellationTrimsPartial(t *testing.T) {
	exec := &scriptedExecutor{
		citations: []query.Citation{{Marker: 1}},
		deltas:    []string{"First sentence. Second senten"},
		resp:      query.Response{Answer: "First sentence. Second senten"},
		err:       apperr.Cancelled("client gone"),
	}
	metrics := telemetry.NewRegistry()
	b := New(exec, metrics, nil)

	var buf bytes.Buffer
	resp, err := b.Stream(context.Background(), &buf, nil, query.Request{Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, "First sentence. "+StoppedMarker, resp.Answer)
	assert.True(t, resp.Diagnostics.LowConfidence)
	assert.Equal(t, "cancelled", resp.Diagnostics.AnswerFallback)
	assert.Equal(t, int64(1), metrics.Counter("stream_cancelled"))

	frames := parseFrames(t, buf.String())
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.event)
}

func TestStreamValidationErrorBeforeFramesReturns(t *testing.T) {
	exec := &scriptedExecutor{err: apperr.Validation("query is required")}
	b := New(exec, nil, nil)

	var buf bytes.Buffer
	_, err := b.Stream(context.Background(), &buf, nil, query.Request{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Zero(t, buf.Len())
}

func TestStreamMidStreamErrorFramed(t *testing.T) {
	exec := &scriptedExecutor{
		citations: []query.Citation{{Marker: 1}},
		deltas:    []string{"partial "},
		err:       apperr.Internal("index corrupted", nil),
	}
	b := New(exec, nil, nil)

	var buf bytes.Buffer
	_, err := b.Stream(context.Background(), &buf, nil, query.Request{Query: "q"})
	require.NoError(t, err)

	frames := parseFrames(t, buf.String())
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.event)

	var ef errorFrame
	require.NoError(t, json.Unmarshal([]byte(last.data), &ef))
	assert.Equal(t, "internal", ef.Code)
}

func TestTrimPartial(t *testing.T) {
	assert.Equal(t, "Done. "+StoppedMarker, query.TrimPartial("Done. Half of a sent"))
	assert.Equal(t, "完整句子。 "+StoppedMarker, query.TrimPartial("完整句子。半句"))
	assert.Equal(t, "no terminator at all "+StoppedMarker, query.TrimPartial("no terminator at all "))
	assert.Equal(t, StoppedMarker, query.TrimPartial("   "))

	// Text already carrying the marker is left alone, so an answer the
	// orchestrator trimmed at persist time is not trimmed twice.
	assert.Equal(t, "Done. "+StoppedMarker, query.TrimPartial("Done. "+StoppedMarker))
}
