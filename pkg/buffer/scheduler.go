package buffer

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs deferred work. Submitting under a key that is already
// pending replaces the earlier submission and restarts its delay.
type Scheduler interface {
	SubmitCoalesced(key string, fn func(), delay time.Duration)
	Cancel(key string)
}

// TimerScheduler is a wall-clock Scheduler backed by time.AfterFunc.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerScheduler creates an idle scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

func (s *TimerScheduler) SubmitCoalesced(key string, fn func(), delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] != t {
			// superseded or cancelled after firing began
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = t
}

func (s *TimerScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Stop cancels everything pending.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// ManualScheduler never fires on its own; callers run pending work with
// Fire. It makes debounce behaviour deterministic in tests.
type ManualScheduler struct {
	mu          sync.Mutex
	pending     map[string]manualTask
	submissions int
}

type manualTask struct {
	fn    func()
	delay time.Duration
}

// NewManualScheduler creates an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{pending: make(map[string]manualTask)}
}

func (s *ManualScheduler) SubmitCoalesced(key string, fn func(), delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = manualTask{fn: fn, delay: delay}
	s.submissions++
}

func (s *ManualScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

// Pending lists the keys waiting to fire, sorted.
func (s *ManualScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delay returns the delay the pending work under key was submitted with.
func (s *ManualScheduler) Delay(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.pending[key]
	return task.delay, ok
}

// Submissions counts SubmitCoalesced calls, including replaced ones.
func (s *ManualScheduler) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions
}

// Fire runs the work pending under key and reports whether there was any.
func (s *ManualScheduler) Fire(key string) bool {
	s.mu.Lock()
	task, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	task.fn()
	return true
}

// FireAll runs all pending work and returns how many ran.
func (s *ManualScheduler) FireAll() int {
	n := 0
	for _, key := range s.Pending() {
		if s.Fire(key) {
			n++
		}
	}
	return n
}
