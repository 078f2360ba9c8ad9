package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tokenlens/tokenlens/internal/scan"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	scanID := uuid.New()

	result := make(chan scan.QueueItem, 1)
	errCh := make(chan error, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), scan.QueueItem{
		ScanID:  scanID,
		Request: scan.Request{URL: "https://example.com", Site: "example.com"},
	}))

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, scanID, got.ScanID)
		require.Equal(t, "example.com", got.Request.Site)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Fill the buffer so the next enqueue would block.
	require.NoError(t, q.Enqueue(context.Background(), scan.QueueItem{ScanID: uuid.New()}))
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = q.Enqueue(ctx, scan.QueueItem{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), scan.QueueItem{Attempt: 1}))
	q.Close()
	q.Close() // idempotent

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, item.Attempt)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
