package interaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voxgate/internal/observability"
)

func TestRecordAssignsMonotonicSeqPerSession(t *testing.T) {
	store := NewMemoryStore()
	l := NewLog(LogOptions{Store: store, QueueSize: 512, Logger: zerolog.Nop()})

	var wg sync.WaitGroup
	for _, sid := range []string{"a", "b"} {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(sid string) {
				defer wg.Done()
				l.Record(Interaction{SessionID: sid, Type: TypeRecognition, Text: "hi"})
			}(sid)
		}
	}
	wg.Wait()
	require.NoError(t, l.Close(context.Background()))

	for _, sid := range []string{"a", "b"} {
		items, err := store.List(context.Background(), sid, 0)
		require.NoError(t, err)
		require.Len(t, items, 50)
		for i, it := range items {
			require.Equal(t, int64(i+1), it.Seq)
			require.NotEmpty(t, it.ID)
			require.False(t, it.CreatedAt.IsZero())
		}
	}
}

func TestRecordRedactsText(t *testing.T) {
	l := NewLog(LogOptions{Logger: zerolog.Nop()})
	it, queued := l.Record(Interaction{SessionID: "s", Type: TypeRecognition, Text: "mail me at sam@example.com"})
	require.True(t, queued)
	require.True(t, it.PIIRedacted)
	require.Equal(t, "mail me at [REDACTED_EMAIL]", it.Text)
	require.NoError(t, l.Close(context.Background()))
}

type blockingStore struct {
	*MemoryStore
	release chan struct{}
}

func (s *blockingStore) Append(ctx context.Context, it Interaction) error {
	<-s.release
	return s.MemoryStore.Append(ctx, it)
}

func TestRecordDropsWhenQueueFull(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	metrics := observability.NewMetrics("interaction_test")
	l := NewLog(LogOptions{Store: store, QueueSize: 1, Metrics: metrics, Logger: zerolog.Nop()})

	start := time.Now()
	dropped := 0
	for i := 0; i < 10; i++ {
		if _, queued := l.Record(Interaction{SessionID: "s", Type: TypeResponse}); !queued {
			dropped++
		}
	}
	require.Less(t, time.Since(start), time.Second)
	require.GreaterOrEqual(t, dropped, 8)

	// Recent still sees every entry.
	require.Len(t, l.Recent("s", 0), 10)

	close(store.release)
	require.NoError(t, l.Close(context.Background()))
}

func TestRecentIsBoundedAndOrdered(t *testing.T) {
	l := NewLog(LogOptions{RecentLimit: 3, Logger: zerolog.Nop()})
	for _, text := range []string{"one", "two", "three", "four"} {
		l.Record(Interaction{SessionID: "s", Type: TypeRecognition, Text: text})
	}
	recent := l.Recent("s", 0)
	require.Len(t, recent, 3)
	require.Equal(t, "two", recent[0].Text)
	require.Equal(t, "four", recent[2].Text)
	require.Len(t, l.Recent("s", 2), 2)

	l.Forget("s")
	require.Empty(t, l.Recent("s", 0))
	require.NoError(t, l.Close(context.Background()))
}

func TestHistoryReturnsNewestInOrder(t *testing.T) {
	l := NewLog(LogOptions{Logger: zerolog.Nop()})
	for i := 0; i < 5; i++ {
		l.Record(Interaction{SessionID: "s", Type: TypeResponse})
	}
	store := l.store
	require.NoError(t, l.Close(context.Background()))

	items, err := store.List(context.Background(), "s", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, int64(4), items[0].Seq)
	require.Equal(t, int64(5), items[1].Seq)
}

func TestPurgeAppliesRetention(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	l := NewLog(LogOptions{Store: store, Retention: time.Hour, Logger: zerolog.Nop(), Now: func() time.Time { return now }})
	ctx := context.Background()

	l.Record(Interaction{SessionID: "s", Type: TypeRecognition, CreatedAt: now.Add(-2 * time.Hour)})
	l.Record(Interaction{SessionID: "s", Type: TypeResponse})
	require.Eventually(t, func() bool {
		items, _ := store.List(ctx, "s", 0)
		return len(items) == 2
	}, time.Second, 5*time.Millisecond)

	n, err := l.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	items, err := l.History(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, TypeResponse, items[0].Type)
	require.NoError(t, l.Close(ctx))
}

func TestRecordAfterCloseIsRejected(t *testing.T) {
	l := NewLog(LogOptions{Logger: zerolog.Nop()})
	require.NoError(t, l.Close(context.Background()))
	_, queued := l.Record(Interaction{SessionID: "s"})
	require.False(t, queued)
}
