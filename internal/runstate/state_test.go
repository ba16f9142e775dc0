package runstate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/genfleet/internal/farm"
)

func TestNextIsFIFOAndTracksAttempts(t *testing.T) {
	t.Parallel()

	st := New("run", time.Now(), items(3), refs("main"))
	first, ok := st.Next("main")
	require.True(t, ok)
	require.Equal(t, 1, first.Key.Row)
	require.Equal(t, 1, st.Attempts(first.Key))

	require.NoError(t, st.Requeue(first.Key))
	second, _ := st.Next("main")
	require.Equal(t, 2, second.Key.Row)

	snap := st.Snapshot()
	require.Equal(t, 2, snap.Counters.Queued)
	require.Equal(t, 1, snap.Counters.InFlight)
	require.Equal(t, 1, snap.Counters.Requeued)
	require.Equal(t, second.Key.String(), snap.Sessions[0].Active)
	require.True(t, snap.Counters.Conserved())
}

func TestDuplicateKeysKeepFirst(t *testing.T) {
	t.Parallel()

	list := items(2)
	dup := list[0]
	dup.Prompt = "other"
	list = append(list, dup)

	st := New("run", time.Now(), list, nil)
	require.Equal(t, 2, st.Snapshot().Counters.Total)
	item, ok := st.Item(dup.Key)
	require.True(t, ok)
	require.Equal(t, "prompt 1", item.Prompt)
}

func TestCompleteAndFailTransitions(t *testing.T) {
	t.Parallel()

	st := New("run", time.Now(), items(2), refs("a"))
	one, _ := st.Next("a")
	two, _ := st.Next("a")

	require.NoError(t, st.Complete(one.Key))
	require.ErrorIs(t, st.Complete(one.Key), ErrNotInFlight)
	require.NoError(t, st.Fail(two.Key, "session terminated"))
	require.ErrorIs(t, st.Requeue(farm.ItemKey{Source: "nope", Row: 1}), ErrUnknownItem)

	snap := st.Snapshot()
	assert.Equal(t, 1, snap.Counters.Completed)
	assert.Equal(t, 1, snap.Counters.Failed)
	assert.Equal(t, 0, snap.Counters.Pending())
	assert.Equal(t, []FailedItem{{Key: two.Key, Reason: "session terminated"}}, snap.Failed)
	assert.Equal(t, 1, snap.Sessions[0].Completed)
	assert.Equal(t, 1, snap.Sessions[0].Failed)

	done, _ := st.Item(one.Key)
	require.Equal(t, farm.ItemDone, done.Status)
}

func TestFailureAndReassignCounters(t *testing.T) {
	t.Parallel()

	st := New("run", time.Now(), items(1), nil)
	key := items(1)[0].Key
	require.Equal(t, 1, st.RecordFailure(key))
	require.Equal(t, 2, st.RecordFailure(key))
	require.Equal(t, 1, st.RecordReassign(key))
	require.Equal(t, 1, st.Reassigns(key))
	require.Zero(t, st.RecordFailure(farm.ItemKey{Source: "x"}))
}

func TestFailAbandonedQueuedItem(t *testing.T) {
	t.Parallel()

	st := New("run", time.Now(), items(3), refs("a"))
	lost, _ := st.Next("a")
	require.Equal(t, 1, st.RecordReassign(lost.Key))
	require.NoError(t, st.Requeue(lost.Key))
	require.Empty(t, New("run", time.Now(), items(1), nil).Abandoned())

	abandoned := st.Abandoned()
	require.Len(t, abandoned, 1)
	require.Equal(t, lost.Key, abandoned[0].Key)

	require.NoError(t, st.Fail(lost.Key, "abandoned: session terminated"))
	require.ErrorIs(t, st.Fail(lost.Key, "again"), ErrNotInFlight)
	require.Empty(t, st.Abandoned())

	snap := st.Snapshot()
	assert.Equal(t, 2, snap.Counters.Queued)
	assert.Equal(t, 1, snap.Counters.Failed)
	assert.Equal(t, 1, snap.Sessions[0].Failed)
	assert.True(t, snap.Counters.Conserved())

	next, ok := st.Next("a")
	require.True(t, ok)
	assert.NotEqual(t, lost.Key, next.Key)
}

func TestSessionViewsAndFinish(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0).UTC()
	st := New("run-1", start, items(1), refs("a", "b"))
	st.UpdateSession("a", start.Add(time.Second), func(v *SessionView) {
		v.State = farm.SessionSuspended
		v.Points = 2
		v.PointsKnown = true
	})
	st.UpdateSession("b", start, func(v *SessionView) { v.State = farm.SessionTerminated })
	st.UpdateSession("missing", start, func(*SessionView) { t.Fatal("unexpected update") })
	st.Finish(start.Add(time.Minute))
	st.Finish(start.Add(time.Hour))

	snap := st.Snapshot()
	require.Equal(t, "run-1", snap.RunID)
	require.Equal(t, 1, snap.Suspended)
	require.Equal(t, 1, snap.Terminated)
	require.Equal(t, 2, snap.Sessions[0].Points)
	require.NotNil(t, snap.FinishedAt)
	require.Equal(t, start.Add(time.Minute), *snap.FinishedAt)
}

func TestConservationUnderConcurrentUse(t *testing.T) {
	t.Parallel()

	st := New("run", time.Now(), items(200), refs("a", "b", "c", "d"))
	var wg sync.WaitGroup
	for _, label := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			for i := 0; ; i++ {
				item, ok := st.Next(label)
				if !ok {
					return
				}
				require.True(t, st.Snapshot().Counters.Conserved())
				switch i % 3 {
				case 0:
					require.NoError(t, st.Complete(item.Key))
				case 1:
					require.NoError(t, st.Fail(item.Key, "boom"))
				default:
					if st.Attempts(item.Key) < 2 {
						require.NoError(t, st.Requeue(item.Key))
					} else {
						require.NoError(t, st.Complete(item.Key))
					}
				}
			}
		}(label)
	}
	wg.Wait()

	snap := st.Snapshot()
	require.True(t, snap.Counters.Conserved())
	require.Equal(t, 200, snap.Counters.Completed+snap.Counters.Failed)
}

func items(n int) []farm.WorkItem {
	out := make([]farm.WorkItem, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, farm.WorkItem{
			Key:     farm.ItemKey{Source: "book.xlsx", Row: i},
			DataRow: i,
			Prompt:  fmt.Sprintf("prompt %d", i),
		})
	}
	return out
}

func refs(labels ...string) []SessionRef {
	out := make([]SessionRef, 0, len(labels))
	for _, l := range labels {
		out = append(out, SessionRef{ID: "id-" + l, Label: l})
	}
	return out
}
