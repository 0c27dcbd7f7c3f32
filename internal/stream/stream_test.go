package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/metrics"
	"github.com/xiaot623/gogo/runstream/internal/service"
	"github.com/xiaot623/gogo/runstream/internal/streamclient"
	"github.com/xiaot623/gogo/runstream/internal/testutil"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []Frame
	failOn domain.FrameType
	wrote  chan struct{}
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{wrote: make(chan struct{}, 1024)}
}

func (w *recordingWriter) Transport() string { return "test" }

func (w *recordingWriter) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failOn != "" && f.Type == w.failOn {
		return errors.New("broken pipe")
	}
	w.frames = append(w.frames, f)
	w.wrote <- struct{}{}
	return nil
}

func (w *recordingWriter) snapshot() []Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Frame(nil), w.frames...)
}

func (w *recordingWriter) waitFrames(t *testing.T, n int) []Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if frames := w.snapshot(); len(frames) >= n {
			return frames
		}
		select {
		case <-w.wrote:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, have %d", n, len(w.snapshot()))
		}
	}
}

func newService(t *testing.T) *service.Service {
	t.Helper()
	svc := service.New(testutil.NewTestSQLiteStore(t), metrics.New(), zerolog.Nop(), service.Options{SubscriberBuffer: 64})
	t.Cleanup(svc.Close)
	return svc
}

func reassemble(t *testing.T, frames []Frame) []domain.Event {
	t.Helper()
	var asm streamclient.Assembler
	var events []domain.Event
	for _, f := range frames {
		ev, err := asm.Push(streamclient.RawFrame{ID: f.ID, Event: string(f.Type), Data: string(f.Data)})
		require.NoError(t, err)
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

func TestEncodeSmallEvent(t *testing.T) {
	enc := NewEncoder(1024, 256)
	frames, err := enc.Encode(domain.Event{RunID: "r1", SequenceID: 7, Kind: domain.EventKindActive, Message: "hi"})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, domain.FrameTypeStatusUpdate, frames[0].Type)
	require.Equal(t, "7", frames[0].ID)
}

func TestLargeReportIsChunkedAndReassembled(t *testing.T) {
	// two megabytes with multi-byte runes so chunk edges fall inside runes
	body := strings.Repeat("généré 報告 ", 2*1024*1024/16)
	payload, err := json.Marshal(map[string]any{"report": map[string]string{"body": body}})
	require.NoError(t, err)
	ev := domain.Event{RunID: "r1", SequenceID: 12, SourceID: domain.ReportSourceID, Kind: domain.EventKindReport, Payload: payload, Timestamp: time.Unix(1700000000, 0).UTC()}

	enc := NewEncoder(DefaultChunkThreshold, DefaultChunkSize)
	frames, err := enc.Encode(ev)
	require.NoError(t, err)
	require.Greater(t, len(frames), 2)

	require.Equal(t, domain.FrameTypeReportMetadata, frames[0].Type)
	var meta domain.ReportMetadataData
	require.NoError(t, json.Unmarshal(frames[0].Data, &meta))
	require.Equal(t, len(frames)-1, meta.Chunks)
	require.Equal(t, domain.FrameTypeReport, meta.Frame)

	for i, f := range frames[1:] {
		require.Equal(t, domain.FrameTypeReportChunk, f.Type)
		if i < len(frames)-2 {
			require.Empty(t, f.ID)
		}
	}
	require.Equal(t, "12", frames[len(frames)-1].ID)

	events := reassemble(t, frames)
	require.Len(t, events, 1)
	report, ok := events[0].Report()
	require.True(t, ok)
	var got map[string]string
	require.NoError(t, json.Unmarshal(report, &got))
	require.Equal(t, body, got["body"])
}

func TestSplitUTF8KeepsRunesWhole(t *testing.T) {
	s := "aé報😀b"
	for size := 1; size <= len(s); size++ {
		pieces := splitUTF8(s, size)
		require.Equal(t, s, strings.Join(pieces, ""))
		for _, p := range pieces {
			require.True(t, strings.ToValidUTF8(p, "?") == p, "piece %q split a rune", p)
		}
	}
}

func TestParseResumeToken(t *testing.T) {
	v, err := ParseResumeToken("5", "9")
	require.NoError(t, err)
	require.Equal(t, int64(5), *v)

	v, err = ParseResumeToken("", " 9 ")
	require.NoError(t, err)
	require.Equal(t, int64(9), *v)

	v, err = ParseResumeToken("", "")
	require.NoError(t, err)
	require.Nil(t, v)

	for _, bad := range []string{"abc", "-1", "1.5"} {
		v, err = ParseResumeToken(bad, "")
		require.ErrorIs(t, err, ErrMalformedToken)
		require.Nil(t, v)
	}
}

func TestSessionReplaysThenStreamsLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newService(t)
	for i := 0; i < 3; i++ {
		_, err := svc.Emit(ctx, "r1", "Coordinator", domain.EventKindActive, "before", nil)
		require.NoError(t, err)
	}

	w := newRecordingWriter()
	last := int64(0)
	sess := &Session{Subscriber: svc, RunID: "r1", LastSeen: &last, Writer: w, Heartbeat: time.Hour, Logger: zerolog.Nop()}

	done := make(chan ExitReason, 1)
	go func() {
		reason, _ := sess.Run(ctx)
		done <- reason
	}()

	w.waitFrames(t, 2)
	_, err := svc.Emit(ctx, "r1", "Coordinator", domain.EventKindDone, "after", nil)
	require.NoError(t, err)
	frames := w.waitFrames(t, 3)

	var ids []string
	for _, f := range frames {
		ids = append(ids, f.ID)
	}
	require.Equal(t, []string{"1", "2", "3"}, ids)

	cancel()
	require.Equal(t, ExitClientGone, <-done)
	require.Zero(t, svc.Subscribers())
}

func TestSessionHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newService(t)

	w := newRecordingWriter()
	sess := &Session{Subscriber: svc, RunID: "quiet", Writer: w, Heartbeat: 20 * time.Millisecond, Logger: zerolog.Nop()}
	go func() { _, _ = sess.Run(ctx) }()

	frames := w.waitFrames(t, 2)
	for _, f := range frames {
		require.Equal(t, domain.FrameTypePing, f.Type)
		require.Empty(t, f.ID)
	}
}

func TestSessionEndsWhenRunTerminated(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := svc.Emit(ctx, "r1", "Coordinator", domain.EventKindActive, "start", nil)
	require.NoError(t, err)

	w := newRecordingWriter()
	sess := &Session{Subscriber: svc, RunID: "r1", Writer: w, Heartbeat: time.Hour, Logger: zerolog.Nop()}
	done := make(chan ExitReason, 1)
	go func() {
		reason, _ := sess.Run(ctx)
		done <- reason
	}()

	w.waitFrames(t, 1)
	_, err = svc.Terminate(ctx, "r1")
	require.NoError(t, err)

	select {
	case reason := <-done:
		require.Equal(t, ExitRunTerminated, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after terminate")
	}

	// a late subscriber gets an error frame
	late := newRecordingWriter()
	reason, err := (&Session{Subscriber: svc, RunID: "r1", Writer: late, Logger: zerolog.Nop()}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ExitRunTerminated, reason)
	frames := late.snapshot()
	require.Len(t, frames, 1)
	require.Equal(t, domain.FrameTypeError, frames[0].Type)
}

func TestSessionWriteFailureReleasesSubscription(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := svc.Emit(ctx, "r1", "Coordinator", domain.EventKindActive, "start", nil)
	require.NoError(t, err)

	w := newRecordingWriter()
	w.failOn = domain.FrameTypeStatusUpdate
	reason, err := (&Session{Subscriber: svc, RunID: "r1", Writer: w, Heartbeat: time.Hour, Logger: zerolog.Nop()}).Run(ctx)
	require.Error(t, err)
	require.Equal(t, ExitWriteFailed, reason)
	require.Zero(t, svc.Subscribers())
}

// gatedWriter holds its first write until release is closed.
type gatedWriter struct {
	*recordingWriter
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (w *gatedWriter) WriteFrame(f Frame) error {
	w.once.Do(func() {
		close(w.entered)
		<-w.release
	})
	return w.recordingWriter.WriteFrame(f)
}

func TestSessionLaggedThenResumesWithoutGap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := service.New(testutil.NewTestSQLiteStore(t), metrics.New(), zerolog.Nop(), service.Options{SubscriberBuffer: 4})
	t.Cleanup(svc.Close)

	_, err := svc.Emit(ctx, "r1", "Coordinator", domain.EventKindActive, "event", nil)
	require.NoError(t, err)

	slow := &gatedWriter{
		recordingWriter: newRecordingWriter(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	done := make(chan ExitReason, 1)
	go func() {
		reason, _ := (&Session{Subscriber: svc, RunID: "r1", Writer: slow, Heartbeat: time.Hour, Logger: zerolog.Nop()}).Run(ctx)
		done <- reason
	}()

	select {
	case <-slow.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("session never wrote")
	}
	for i := 1; i < 20; i++ {
		_, err := svc.Emit(ctx, "r1", "Coordinator", domain.EventKindActive, "event", nil)
		require.NoError(t, err)
	}
	close(slow.release)

	select {
	case reason := <-done:
		require.Equal(t, ExitLagged, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("lagging session did not end")
	}
	require.Zero(t, svc.Subscribers())

	// queued events drain before the lagged error frame
	frames := slow.snapshot()
	require.Len(t, frames, 6)
	var ids []string
	for _, f := range frames[:5] {
		require.Equal(t, domain.FrameTypeStatusUpdate, f.Type)
		ids = append(ids, f.ID)
	}
	require.Equal(t, []string{"0", "1", "2", "3", "4"}, ids)
	last := frames[5]
	require.Equal(t, domain.FrameTypeError, last.Type)
	var data domain.ErrorFrameData
	require.NoError(t, json.Unmarshal(last.Data, &data))
	require.Equal(t, domain.ErrorCodeLagged, data.Code)

	// reconnecting from the last delivered id continues where it stopped
	resume := int64(4)
	w := newRecordingWriter()
	go func() { _, _ = (&Session{Subscriber: svc, RunID: "r1", LastSeen: &resume, Writer: w, Heartbeat: time.Hour, Logger: zerolog.Nop()}).Run(ctx) }()

	frames = w.waitFrames(t, 15)
	ids = ids[:0]
	for _, f := range frames {
		ids = append(ids, f.ID)
	}
	var want []string
	for i := 5; i < 20; i++ {
		want = append(want, strconv.Itoa(i))
	}
	require.Equal(t, want, ids)
}
