package hook

import (
	"sort"
	"sync"
	"time"
)

// Timer 可取消的定时任务
type Timer interface {
	Stop() bool
}

// Scheduler 定时器来源，修复循环不关心具体实现
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler 基于 time.AfterFunc
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// ManualScheduler 手动推进时间的调度器
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	s       *ManualScheduler
	id      int
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

// NewManualScheduler 创建手动调度器
func NewManualScheduler() *ManualScheduler { return &ManualScheduler{} }

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, id: s.seq, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance 推进时间并按到期顺序触发回调，返回触发次数
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	fired := 0
	for {
		s.mu.Lock()
		next := s.nextLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return fired
		}
		s.now = next.at
		next.fired = true
		s.mu.Unlock()

		next.f()
		fired++
	}
}

// RunNext 直接推进到下一个待触发任务
func (s *ManualScheduler) RunNext() bool {
	d, ok := s.NextDelay()
	if !ok {
		return false
	}
	return s.Advance(d) > 0
}

func (s *ManualScheduler) nextLocked(limit time.Duration) *manualTimer {
	var live []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.timers = live
	sort.Slice(live, func(i, j int) bool {
		if live[i].at != live[j].at {
			return live[i].at < live[j].at
		}
		return live[i].id < live[j].id
	})
	if len(live) == 0 || live[0].at > limit {
		return nil
	}
	return live[0]
}

// Pending 未触发且未取消的任务数
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// NextDelay 距离下一个任务的时间
func (s *ManualScheduler) NextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.nextLocked(1<<62 - 1)
	if next == nil {
		return 0, false
	}
	return next.at - s.now, true
}
