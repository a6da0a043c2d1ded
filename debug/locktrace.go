// Package debug provides named mutexes that can log their contention.
//
// Tracing is off unless SAFERUN_LOCK_TRACE is set. Two optional filters, in
// milliseconds, suppress short events:
//
//	SAFERUN_LOCK_TRACE_MIN_WAIT_MS
//	SAFERUN_LOCK_TRACE_MIN_HOLD_MS   (exclusive locks only)
//
// Read locks report their wait time but never a hold time, since several
// readers may hold the lock at once.
package debug

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/x-vinnci/saferun-core-sub001/logging"
)

var log = logging.Category("locktrace")

var (
	traceEnabled atomic.Bool
	minWait      atomic.Int64
	minHold      atomic.Int64

	// seq pairs acquire and release lines of one exclusive hold.
	seq atomic.Uint64

	traceInit sync.Once
)

func loadTraceEnv() {
	traceInit.Do(func() {
		traceEnabled.Store(envBool("SAFERUN_LOCK_TRACE"))
		minWait.Store(int64(envMillis("SAFERUN_LOCK_TRACE_MIN_WAIT_MS")))
		minHold.Store(int64(envMillis("SAFERUN_LOCK_TRACE_MIN_HOLD_MS")))
	})
}

// SetTracing turns tracing on or off regardless of the environment.
func SetTracing(on bool) {
	loadTraceEnv()
	traceEnabled.Store(on)
}

func tracing() bool {
	loadTraceEnv()
	return traceEnabled.Load()
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func envMillis(key string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

// callsite names the file:line that called Lock or Unlock.
func callsite() string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "unknown:0"
	}
	if parts := strings.Split(file, "/"); len(parts) >= 2 {
		file = parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return file + ":" + strconv.Itoa(line)
}

// holdTracker records the current exclusive hold of a lock.
type holdTracker struct {
	name     string
	acquired atomic.Int64
	seq      atomic.Uint64
}

func (h *holdTracker) label() string {
	if h.name == "" {
		return "(unnamed)"
	}
	return h.name
}

func (h *holdTracker) acquire(mode string, wait time.Duration) {
	n := seq.Add(1)
	h.seq.Store(n)
	h.acquired.Store(time.Now().UnixNano())
	if int64(wait) >= minWait.Load() {
		log.WithFields(logrus.Fields{
			"seq": n, "lock": h.label(), "mode": mode,
			"wait": wait.Truncate(time.Microsecond), "at": callsite(),
		}).Info("lock acquired")
	}
}

func (h *holdTracker) release(mode string) {
	held := time.Since(time.Unix(0, h.acquired.Load()))
	if int64(held) >= minHold.Load() {
		log.WithFields(logrus.Fields{
			"seq": h.seq.Load(), "lock": h.label(), "mode": mode,
			"held": held.Truncate(time.Microsecond), "at": callsite(),
		}).Info("lock released")
	}
}

func (h *holdTracker) shared(wait time.Duration) {
	if int64(wait) >= minWait.Load() {
		log.WithFields(logrus.Fields{
			"lock": h.label(), "mode": "RLock",
			"wait": wait.Truncate(time.Microsecond), "at": callsite(),
		}).Info("lock acquired")
	}
}

// RWMutex is a sync.RWMutex that can trace contention.
type RWMutex struct {
	mu sync.RWMutex
	holdTracker
}

// NewRWMutex returns a named RWMutex.
func NewRWMutex(name string) *RWMutex {
	m := &RWMutex{}
	m.name = name
	return m
}

func (m *RWMutex) Lock() {
	if !tracing() {
		m.mu.Lock()
		return
	}
	start := time.Now()
	m.mu.Lock()
	m.acquire("Lock", time.Since(start))
}

func (m *RWMutex) Unlock() {
	if !tracing() {
		m.mu.Unlock()
		return
	}
	m.release("Unlock")
	m.mu.Unlock()
}

func (m *RWMutex) RLock() {
	if !tracing() {
		m.mu.RLock()
		return
	}
	start := time.Now()
	m.mu.RLock()
	m.shared(time.Since(start))
}

func (m *RWMutex) RUnlock() { m.mu.RUnlock() }

// Mutex is a sync.Mutex that can trace contention.
type Mutex struct {
	mu sync.Mutex
	holdTracker
}

// NewMutex returns a named Mutex.
func NewMutex(name string) *Mutex {
	m := &Mutex{}
	m.name = name
	return m
}

func (m *Mutex) Lock() {
	if !tracing() {
		m.mu.Lock()
		return
	}
	start := time.Now()
	m.mu.Lock()
	m.acquire("Lock", time.Since(start))
}

// TryLock acquires the mutex if it is free.
func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		return false
	}
	if tracing() {
		m.acquire("TryLock", 0)
	}
	return true
}

func (m *Mutex) Unlock() {
	if !tracing() {
		m.mu.Unlock()
		return
	}
	m.release("Unlock")
	m.mu.Unlock()
}
