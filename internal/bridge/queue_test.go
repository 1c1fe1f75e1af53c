package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqFrame(seq uint64) audio.Frame {
	return audio.Frame{Data: []byte{byte(seq), byte(seq >> 8)}, Format: audio.TelephonyFormat, Seq: seq}
}

func TestFrameQueueOrder(t *testing.T) {
	q := NewFrameQueue(10)
	for i := uint64(1); i <= 10; i++ {
		assert.False(t, q.Push(seqFrame(i)))
	}

	ctx := context.Background()
	for i := uint64(1); i <= 10; i++ {
		f, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, f.Seq)
	}
	assert.Zero(t, q.Dropped())
	assert.Equal(t, 10, q.HighWater())
}

func TestFrameQueueDropsOldest(t *testing.T) {
	q := NewFrameQueue(4)
	dropped := 0
	var prev uint64
	for i := uint64(1); i <= 100; i++ {
		if q.Push(seqFrame(i)) {
			dropped++
		}
		require.LessOrEqual(t, q.Len(), 4)
		d := q.Dropped()
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}

	assert.Equal(t, 96, dropped)
	assert.Equal(t, uint64(96), q.Dropped())
	assert.Equal(t, 4, q.HighWater())

	ctx := context.Background()
	for want := uint64(97); want <= 100; want++ {
		f, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, f.Seq)
	}
}

func TestFrameQueueConcurrentNoDuplicates(t *testing.T) {
	q := NewFrameQueue(8)
	const total = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= total; i++ {
			q.Push(seqFrame(i))
		}
		q.Close()
	}()

	var got []uint64
	for {
		f, err := q.Pop(context.Background())
		if err != nil {
			require.ErrorIs(t, err, ErrQueueClosed)
			break
		}
		got = append(got, f.Seq)
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1], "frames must come out strictly increasing")
	}
	assert.Equal(t, uint64(total), uint64(len(got))+q.Dropped())
}

func TestFrameQueuePopHonoursContext(t *testing.T) {
	q := NewFrameQueue(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFrameQueueCloseDrains(t *testing.T) {
	q := NewFrameQueue(2)
	q.Push(seqFrame(1))
	q.Close()
	assert.False(t, q.Push(seqFrame(2)))

	f, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}
