package notify

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var pipelineNow = time.Unix(1700000600, 0).UTC()

func newTestPipeline(t *testing.T) (*Pipeline, *Broadcaster) {
	t.Helper()

	dsn := fmt.Sprintf("file:notify_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Record{}))

	broadcaster := NewBroadcaster()
	pipeline, err := NewPipeline(PipelineConfig{
		Database:    db,
		Broadcaster: broadcaster,
		Clock:       func() time.Time { return pipelineNow },
	})
	require.NoError(t, err)
	return pipeline, broadcaster
}

func testRecord(id string) Record {
	return Record{
		NotificationID:   id,
		RecipientID:      "courier-7",
		Kind:             "order_assigned",
		PayloadJSON:      `{"message":"new order assigned"}`,
		CreatedAtSeconds: 1700000000,
	}
}

func TestIngestDeduplicatesAcrossPaths(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	ctx := context.Background()

	inserted, err := pipeline.Ingest(ctx, testRecord("notif-1"), SourcePush)
	require.NoError(t, err)
	assert.True(t, inserted, "first delivery should insert")

	// Redelivery over the other path: whichever path delivered first wins.
	inserted, err = pipeline.Ingest(ctx, testRecord("notif-1"), SourceSubscription)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate delivery must be dropped")

	feed, err := pipeline.Feed(ctx, "courier-7")
	require.NoError(t, err)
	assert.Len(t, feed, 1)

	unread, err := pipeline.UnreadCount(ctx, "courier-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread, "one dedup'd delivery increments unread once")
}

func TestIngestAppliesNewerReadMarkFromDuplicate(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipeline.Ingest(ctx, testRecord("notif-1"), SourceSubscription)
	require.NoError(t, err)

	readAt := int64(1700000500)
	duplicate := testRecord("notif-1")
	duplicate.ReadAtSeconds = &readAt

	inserted, err := pipeline.Ingest(ctx, duplicate, SourceSubscription)
	require.NoError(t, err)
	assert.False(t, inserted)

	feed, err := pipeline.Feed(ctx, "courier-7")
	require.NoError(t, err)
	require.Len(t, feed, 1)
	require.NotNil(t, feed[0].ReadAtSeconds)
	assert.Equal(t, readAt, *feed[0].ReadAtSeconds, "server-side read-mark on the duplicate must converge")
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipeline.Ingest(ctx, testRecord("notif-1"), SourcePush)
	require.NoError(t, err)

	readAt := time.Unix(1700000700, 0).UTC()
	first, err := pipeline.MarkAsRead(ctx, "notif-1", readAt)
	require.NoError(t, err)
	require.NotNil(t, first.ReadAtSeconds)

	second, err := pipeline.MarkAsRead(ctx, "notif-1", readAt)
	require.NoError(t, err)
	require.NotNil(t, second.ReadAtSeconds)
	assert.Equal(t, *first.ReadAtSeconds, *second.ReadAtSeconds, "repeated mark must not change read_at")

	unread, err := pipeline.UnreadCount(ctx, "courier-7")
	require.NoError(t, err)
	assert.Equal(t, int64(0), unread)
}

func TestMarkAsReadConvergesToLastWrite(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipeline.Ingest(ctx, testRecord("notif-1"), SourcePush)
	require.NoError(t, err)

	later := time.Unix(1700000800, 0).UTC()
	earlier := time.Unix(1700000700, 0).UTC()

	// Two sibling clients mark concurrently; the later write wins
	// regardless of arrival order.
	_, err = pipeline.MarkAsRead(ctx, "notif-1", later)
	require.NoError(t, err)
	record, err := pipeline.MarkAsRead(ctx, "notif-1", earlier)
	require.NoError(t, err)
	require.NotNil(t, record.ReadAtSeconds)
	assert.Equal(t, later.Unix(), *record.ReadAtSeconds)
}

func TestMarkAsReadUnknownIDFails(t *testing.T) {
	pipeline, _ := newTestPipeline(t)

	_, err := pipeline.MarkAsRead(context.Background(), "missing", pipelineNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnreadCountNeverDrifts(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	unreadWant := make(map[string]bool)
	var ids []string

	for i := 0; i < 10000; i++ {
		if len(ids) == 0 || rng.Intn(3) == 0 {
			id := fmt.Sprintf("notif-%d", i)
			inserted, err := pipeline.Ingest(ctx, testRecord(id), SourcePush)
			require.NoError(t, err)
			require.True(t, inserted)
			ids = append(ids, id)
			unreadWant[id] = true
			continue
		}

		id := ids[rng.Intn(len(ids))]
		_, err := pipeline.MarkAsRead(ctx, id, pipelineNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		unreadWant[id] = false
	}

	want := int64(0)
	for _, unread := range unreadWant {
		if unread {
			want++
		}
	}

	got, err := pipeline.UnreadCount(ctx, "courier-7")
	require.NoError(t, err)
	assert.Equal(t, want, got, "recomputed unread count must equal records with null read_at")

	feed, err := pipeline.Feed(ctx, "courier-7")
	require.NoError(t, err)
	fromFeed := int64(0)
	for _, record := range feed {
		if record.Unread() {
			fromFeed++
		}
	}
	assert.Equal(t, got, fromFeed, "count and list must never diverge")
}

func TestIngestPublishesFeedChanged(t *testing.T) {
	pipeline, broadcaster := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, unsubscribe := broadcaster.Subscribe(ctx)
	defer unsubscribe()

	_, err := pipeline.Ingest(context.Background(), testRecord("notif-1"), SourceSubscription)
	require.NoError(t, err)

	select {
	case message := <-messages:
		assert.Equal(t, EventFeedChanged, message.EventType)
		assert.Equal(t, "courier-7", message.RecipientID)
		assert.Equal(t, int64(1), message.UnreadCount)
	case <-time.After(time.Second):
		t.Fatal("expected a feed-changed message")
	}
}

func TestRemoveDeletesBufferedNotification(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipeline.Ingest(ctx, testRecord("notif-1"), SourcePush)
	require.NoError(t, err)

	require.NoError(t, pipeline.Remove(ctx, "notif-1"))

	feed, err := pipeline.Feed(ctx, "courier-7")
	require.NoError(t, err)
	assert.Empty(t, feed)

	err = pipeline.Remove(ctx, "notif-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
