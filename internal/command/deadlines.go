package command

import (
	"container/heap"
	"sync"
	"time"
)

// deadlineHeap orders armed command deadlines by (deadline, cmdId).
type deadlineHeap []deadlineItem

type deadlineItem struct {
	at    time.Time
	cmdID string
}

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].cmdID < h[j].cmdID
	}
	return h[i].at.Before(h[j].at)
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)   { *h = append(*h, x.(deadlineItem)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler fires a callback when a command deadline elapses. One
// goroutine drains the heap; arming is cheap and never blocks.
type Scheduler struct {
	mu      sync.Mutex
	heap    deadlineHeap
	wake    chan struct{}
	stop    chan struct{}
	fire    func(cmdID string)
	timeNow func() time.Time
}

func NewScheduler(fire func(cmdID string)) *Scheduler {
	return &Scheduler{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		fire:    fire,
		timeNow: time.Now,
	}
}

// Arm registers a deadline for cmdID. Deadlines in the past fire on the
// next loop iteration, which is what restart recovery needs.
func (s *Scheduler) Arm(cmdID string, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.heap, deadlineItem{at: at, cmdID: cmdID})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		now := s.timeNow()
		var due []string
		for s.heap.Len() > 0 {
			next := s.heap[0]
			if next.at.After(now) {
				wait = next.at.Sub(now)
				break
			}
			heap.Pop(&s.heap)
			due = append(due, next.cmdID)
		}
		s.mu.Unlock()

		for _, cmdID := range due {
			s.fire(cmdID)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
