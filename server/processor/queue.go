package processor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/models"
)

type QueueItem struct {
	Request    *models.FrameRequest
	ReceivedAt time.Time
}

// LatestSlot feeds a single worker with the newest streamed frame. A frame
// that arrives while another is still waiting replaces it.
type LatestSlot struct {
	pending    *QueueItem
	notify     chan struct{}
	shutdown   chan struct{}
	workerFunc func(*QueueItem)
	onDrop     func()
	logger     *zap.Logger
	wg         sync.WaitGroup
	mutex      sync.Mutex
	isRunning  bool
	offered    uint64
	dropped    uint64
}

type QueueStats struct {
	Offered   uint64 `json:"offered"`
	Dropped   uint64 `json:"dropped"`
	Pending   bool   `json:"pending"`
	IsRunning bool   `json:"is_running"`
}

func NewLatestSlot(workerFunc func(*QueueItem), onDrop func(), logger *zap.Logger) *LatestSlot {
	slot := &LatestSlot{
		notify:     make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
		workerFunc: workerFunc,
		onDrop:     onDrop,
		logger:     logger,
		isRunning:  true,
	}

	slot.wg.Add(1)
	go slot.worker()

	return slot
}

func (ls *LatestSlot) worker() {
	defer ls.wg.Done()

	for {
		select {
		case <-ls.notify:
			if item := ls.take(); item != nil {
				ls.run(item)
			}
		case <-ls.shutdown:
			return
		}
	}
}

func (ls *LatestSlot) take() *QueueItem {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()
	item := ls.pending
	ls.pending = nil
	return item
}

func (ls *LatestSlot) run(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			ls.logger.Error("Frame worker failed",
				zap.Error(fmt.Errorf("worker panic: %v", r)),
				zap.Time("received_at", item.ReceivedAt),
				zap.Stack("stack"))
		}
	}()
	ls.workerFunc(item)
}

// Offer hands a frame to the worker. It reports whether an unprocessed frame
// was replaced and false for accepted when the slot is shut down.
func (ls *LatestSlot) Offer(item *QueueItem) (replaced, accepted bool) {
	ls.mutex.Lock()
	if !ls.isRunning {
		ls.mutex.Unlock()
		return false, false
	}
	ls.offered++
	if ls.pending != nil {
		replaced = true
		ls.dropped++
	}
	ls.pending = item
	ls.mutex.Unlock()

	if replaced && ls.onDrop != nil {
		ls.onDrop()
	}

	select {
	case ls.notify <- struct{}{}:
	default:
	}
	return replaced, true
}

func (ls *LatestSlot) Stats() QueueStats {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	return QueueStats{
		Offered:   ls.offered,
		Dropped:   ls.dropped,
		Pending:   ls.pending != nil,
		IsRunning: ls.isRunning,
	}
}

// Shutdown stops the worker after the frame in flight, discarding any
// pending one.
func (ls *LatestSlot) Shutdown(timeout time.Duration) error {
	ls.mutex.Lock()
	if !ls.isRunning {
		ls.mutex.Unlock()
		return nil
	}
	ls.isRunning = false
	ls.pending = nil
	ls.mutex.Unlock()

	close(ls.shutdown)

	done := make(chan struct{})
	go func() {
		ls.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
