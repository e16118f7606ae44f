package processor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/san-kum/rider-fcw/server/models"
)

func item(ts int64) *QueueItem {
	return &QueueItem{Request: &models.FrameRequest{Timestamp: ts}, ReceivedAt: time.Now()}
}

func TestLatestSlotKeepsNewest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	var mutex sync.Mutex
	var seen []int64
	done := make(chan struct{}, 4)

	var drops atomic.Int32
	slot := NewLatestSlot(func(it *QueueItem) {
		if it.Request.Timestamp == 1 {
			close(started)
			<-release
		}
		mutex.Lock()
		seen = append(seen, it.Request.Timestamp)
		mutex.Unlock()
		done <- struct{}{}
	}, func() { drops.Add(1) }, zap.NewNop())
	defer slot.Shutdown(time.Second)

	_, ok := slot.Offer(item(1))
	require.True(t, ok)
	<-started

	replaced, _ := slot.Offer(item(2))
	assert.False(t, replaced)
	replaced, _ = slot.Offer(item(3))
	assert.True(t, replaced)
	replaced, _ = slot.Offer(item(4))
	assert.True(t, replaced)

	close(release)
	<-done
	<-done

	mutex.Lock()
	assert.Equal(t, []int64{1, 4}, seen)
	mutex.Unlock()

	stats := slot.Stats()
	assert.Equal(t, uint64(4), stats.Offered)
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.False(t, stats.Pending)
	assert.Equal(t, int32(2), drops.Load())
}

func TestLatestSlotSurvivesPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	done := make(chan int64, 2)
	slot := NewLatestSlot(func(it *QueueItem) {
		if it.Request.Timestamp == 1 {
			panic("boom")
		}
		done <- it.Request.Timestamp
	}, nil, zap.New(core))
	defer slot.Shutdown(time.Second)

	slot.Offer(item(1))
	assert.Eventually(t, func() bool { return !slot.Stats().Pending }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	slot.Offer(item(2))

	select {
	case ts := <-done:
		assert.Equal(t, int64(2), ts)
	case <-time.After(time.Second):
		t.Fatal("worker stopped after panic")
	}

	entries := logs.FilterMessage("Frame worker failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "worker panic: boom", entries[0].ContextMap()["error"])
}

func TestLatestSlotShutdown(t *testing.T) {
	slot := NewLatestSlot(func(*QueueItem) {}, nil, zap.NewNop())
	require.NoError(t, slot.Shutdown(time.Second))
	require.NoError(t, slot.Shutdown(time.Second))

	_, ok := slot.Offer(item(1))
	assert.False(t, ok)
	assert.False(t, slot.Stats().IsRunning)
}
