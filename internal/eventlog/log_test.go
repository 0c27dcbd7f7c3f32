package eventlog

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

func appendN(t *testing.T, l *Log, runID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := l.NextSequenceID(runID)
		require.NoError(t, l.Append(runID, domain.Event{RunID: runID, SequenceID: id, Kind: domain.EventKindActive}))
	}
}

func ids(events []domain.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.SequenceID
	}
	return out
}

func ptr(v int64) *int64 { return &v }

func TestGetSince(t *testing.T) {
	l := New()
	appendN(t, l, "r1", 3)

	require.Equal(t, []int64{0, 1, 2}, ids(l.GetSince("r1", nil)))
	require.Equal(t, []int64{2}, ids(l.GetSince("r1", ptr(1))))
	require.Empty(t, l.GetSince("r1", ptr(2)))
	require.Empty(t, l.GetSince("r1", ptr(99)))
	require.Equal(t, []int64{0, 1, 2}, ids(l.GetSince("r1", ptr(-5))))
	require.Empty(t, l.GetSince("unknown", nil))
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	l := New()
	appendN(t, l, "r1", 2)

	err := l.Append("r1", domain.Event{RunID: "r1", SequenceID: 1})
	require.ErrorIs(t, err, ErrOutOfOrder)
	require.Equal(t, 2, l.Len("r1"))
}

func TestRestoreResumesCounter(t *testing.T) {
	l := New()
	l.Restore("r1", []domain.Event{
		{RunID: "r1", SequenceID: 4},
		{RunID: "r1", SequenceID: 1},
		{RunID: "r1", SequenceID: 4},
		{RunID: "r1", SequenceID: 2},
	})

	require.Equal(t, []int64{1, 2, 4}, ids(l.Snapshot("r1")))
	require.Equal(t, int64(5), l.NextSequenceID("r1"))
	last, ok := l.LastSequenceID("r1")
	require.True(t, ok)
	require.Equal(t, int64(4), last)
}

func TestDrop(t *testing.T) {
	l := New()
	appendN(t, l, "r1", 3)
	appendN(t, l, "r2", 1)

	require.Equal(t, 3, l.Drop("r1"))
	require.Equal(t, 0, l.Drop("r1"))
	require.False(t, l.Has("r1"))
	require.Equal(t, []string{"r2"}, l.Runs())
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for _, runID := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := l.NextSequenceID(runID)
				_ = l.Append(runID, domain.Event{RunID: runID, SequenceID: id})
			}
		}(runID)
	}
	wg.Wait()

	for _, runID := range []string{"a", "b", "c"} {
		got := ids(l.Snapshot(runID))
		require.Len(t, got, 200)
		for i, id := range got {
			require.Equal(t, int64(i), id)
		}
	}
}

func TestGetSinceProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("suffix is exactly the ids above the resume point", prop.ForAll(
		func(n int, k int) bool {
			l := New()
			for i := 0; i < n; i++ {
				id := l.NextSequenceID("r")
				if err := l.Append("r", domain.Event{RunID: "r", SequenceID: id}); err != nil {
					return false
				}
			}
			got := ids(l.GetSince("r", ptr(int64(k))))
			var want []int64
			for i := 0; i < n; i++ {
				if int64(i) > int64(k) {
					want = append(want, int64(i))
				}
			}
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 50),
		gen.IntRange(-3, 60),
	))

	properties.Property("restore never reissues an id", prop.ForAll(
		func(seqs []int64) bool {
			events := make([]domain.Event, len(seqs))
			var max int64 = -1
			for i, s := range seqs {
				events[i] = domain.Event{RunID: "r", SequenceID: s}
				if s > max {
					max = s
				}
			}
			l := New()
			l.Restore("r", events)
			return l.NextSequenceID("r") == max+1
		},
		gen.SliceOf(gen.Int64Range(0, 1000)),
	))

	properties.TestingRun(t)
}
