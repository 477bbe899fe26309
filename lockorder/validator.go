// Package lockorder enforces a fixed, topologically sorted global lock
// order across trading-critical sections, detects cyclic waits, and
// produces per-lock contention metrics.
package lockorder

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exchangecore/connector/coreerr"
)

// Config declares the fixed global lock order and the hold/wait limits
// enforced against it.
type Config struct {
	Names             []string
	TimeoutMS         int64
	MaxHoldMS         int64
	DeadlockDetection bool
}

type heldLock struct {
	name      string
	isWriter  bool
	acquiredAt time.Time
}

type lockState struct {
	readers map[int64]struct{}
	writer  int64 // 0 means no writer; thread ids are caller-supplied and assumed non-zero
	waitQ   []int64
}

func newLockState() *lockState {
	return &lockState{readers: make(map[int64]struct{})}
}

// Validator is the lock-order validator described in §4.4. thread_id is a
// caller-supplied logical identity (session id, worker id) — Go has no
// native thread identifier, the same reason the teacher tags concurrent
// downloads by JobID rather than OS thread.
type Validator struct {
	order    []string
	index    map[string]int
	timeout  time.Duration
	maxHold  time.Duration
	detect   bool

	mu     sync.Mutex
	locks  map[string]*lockState
	held   map[int64][]heldLock // per-thread held stack, LIFO
	waitFor map[int64]string     // thread -> lock it is currently waiting on

	metrics    Metrics
	violations atomic.Uint64
}

// New constructs a Validator over the given ordered, duplicate-free lock
// names.
func New(cfg Config) *Validator {
	index := make(map[string]int, len(cfg.Names))
	locks := make(map[string]*lockState, len(cfg.Names))
	for i, name := range cfg.Names {
		index[name] = i
		locks[name] = newLockState()
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	maxHold := time.Duration(cfg.MaxHoldMS) * time.Millisecond
	v := &Validator{
		order:   append([]string(nil), cfg.Names...),
		index:   index,
		timeout: timeout,
		maxHold: maxHold,
		detect:  cfg.DeadlockDetection,
		locks:   locks,
		held:    make(map[int64][]heldLock),
		waitFor: make(map[int64]string),
	}
	v.metrics.ensure()
	return v
}

// Violations returns the cumulative count of ordering/release violations
// observed since construction.
func (v *Validator) Violations() uint64 { return v.violations.Load() }

// ValidateOrder checks that seq is a strictly increasing subsequence of the
// configured global order.
func (v *Validator) ValidateOrder(seq []string) error {
	prevIdx := -1
	for _, name := range seq {
		idx, ok := v.index[name]
		if !ok {
			v.violations.Add(1)
			return coreerr.UnknownLock(name)
		}
		if idx <= prevIdx {
			v.violations.Add(1)
			return coreerr.OrderViolation(name, idx, prevIdx)
		}
		prevIdx = idx
	}
	return nil
}

// RecordWait registers that threadID wishes to acquire lock, appending to
// its FIFO wait queue and incrementing contention.
func (v *Validator) RecordWait(lock string, threadID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ls, ok := v.locks[lock]
	if !ok {
		return coreerr.UnknownLock(lock)
	}
	ls.waitQ = append(ls.waitQ, threadID)
	v.waitFor[threadID] = lock
	v.metrics.waitCount[lock]++
	return nil
}

// RecordAcquire clears wait state and records the acquisition, enforcing
// RwLock semantics: a writer requires both reader and writer sets empty; a
// reader requires the writer set empty.
func (v *Validator) RecordAcquire(lock string, threadID int64, isWriter bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ls, ok := v.locks[lock]
	if !ok {
		return coreerr.UnknownLock(lock)
	}
	if isWriter {
		if ls.writer != 0 || len(ls.readers) > 0 {
			v.violations.Add(1)
			return coreerr.OrderViolation(lock, v.index[lock], -1)
		}
		ls.writer = threadID
	} else {
		if ls.writer != 0 {
			v.violations.Add(1)
			return coreerr.OrderViolation(lock, v.index[lock], -1)
		}
		ls.readers[threadID] = struct{}{}
	}

	v.removeFromWaitQueue(ls, threadID)
	delete(v.waitFor, threadID)

	v.held[threadID] = append(v.held[threadID], heldLock{name: lock, isWriter: isWriter, acquiredAt: time.Now()})
	return nil
}

// RecordRelease must match the thread's most recent acquisition (LIFO
// discipline); otherwise it fails ReleaseOrderViolation. A hold exceeding
// max_hold_ms is surfaced as HeldTooLong alongside a nil error — the
// release itself still succeeds.
func (v *Validator) RecordRelease(lock string, threadID int64) (*coreerr.Error, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stack := v.held[threadID]
	if len(stack) == 0 {
		v.violations.Add(1)
		return nil, coreerr.ReleaseOrderViolation(lock, "")
	}
	top := stack[len(stack)-1]
	if top.name != lock {
		v.violations.Add(1)
		return nil, coreerr.ReleaseOrderViolation(lock, top.name)
	}
	v.held[threadID] = stack[:len(stack)-1]

	ls := v.locks[lock]
	if top.isWriter {
		ls.writer = 0
	} else {
		delete(ls.readers, threadID)
	}

	heldFor := time.Since(top.acquiredAt)
	v.metrics.holdSeconds[lock] += heldFor.Seconds()

	var tooLong *coreerr.Error
	if v.maxHold > 0 && heldFor > v.maxHold {
		tooLong = coreerr.HeldTooLong(lock, heldFor.Milliseconds(), v.maxHold.Milliseconds())
	}
	return tooLong, nil
}

// CanAcquire is the fairness predicate: true iff threadID is at the head of
// lock's wait queue, or the queue is empty.
func (v *Validator) CanAcquire(lock string, threadID int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	ls, ok := v.locks[lock]
	if !ok {
		return false
	}
	if len(ls.waitQ) == 0 {
		return true
	}
	return ls.waitQ[0] == threadID
}

// DetectDeadlock computes wait-for edges from the current wait and hold
// sets and reports a cycle if one exists.
func (v *Validator) DetectDeadlock() (*coreerr.Error, bool) {
	if !v.detect {
		return nil, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	// waitingThread -> lock it wants -> holder thread(s) -> edge waitingThread -> holderThread
	graph := make(map[int64][]int64)
	for thread, lock := range v.waitFor {
		ls := v.locks[lock]
		if ls.writer != 0 && ls.writer != thread {
			graph[thread] = append(graph[thread], ls.writer)
		}
		for reader := range ls.readers {
			if reader != thread {
				graph[thread] = append(graph[thread], reader)
			}
		}
	}

	visited := make(map[int64]int) // 0 unvisited, 1 in-progress, 2 done
	var path []int64
	var cycle []int64

	var visit func(n int64) bool
	visit = func(n int64) bool {
		visited[n] = 1
		path = append(path, n)
		for _, next := range graph[n] {
			switch visited[next] {
			case 0:
				if visit(next) {
					return true
				}
			case 1:
				cycle = append([]int64(nil), path...)
				return true
			}
		}
		path = path[:len(path)-1]
		visited[n] = 2
		return false
	}

	for n := range graph {
		if visited[n] == 0 {
			if visit(n) {
				names := make([]string, len(cycle))
				for i, t := range cycle {
					names[i] = threadLabel(t)
				}
				return coreerr.Deadlock(names), true
			}
		}
	}
	return nil, false
}

func (v *Validator) removeFromWaitQueue(ls *lockState, threadID int64) {
	for i, t := range ls.waitQ {
		if t == threadID {
			ls.waitQ = append(ls.waitQ[:i], ls.waitQ[i+1:]...)
			return
		}
	}
}

func threadLabel(id int64) string {
	return "thread-" + strconv.FormatInt(id, 10)
}
