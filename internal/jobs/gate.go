// Package jobs provides the single-flight gate shared by the scheduler and
// manually triggered pipeline jobs.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned when a job is requested while another holds the gate.
var ErrAlreadyRunning = errors.New("job already running")

// Gate allows at most one job in flight system-wide.
type Gate struct {
	mu      sync.Mutex
	running string
	since   time.Time
}

func NewGate() *Gate {
	return &Gate{}
}

// TryAcquire marks job as running and reports true, or reports false when
// another job already holds the gate.
func (g *Gate) TryAcquire(job string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running != "" {
		return false
	}
	g.running = job
	g.since = time.Now()
	return true
}

func (g *Gate) Release() {
	g.mu.Lock()
	g.running = ""
	g.since = time.Time{}
	g.mu.Unlock()
}

// Running returns the job holding the gate and when it started. job is
// empty when the gate is free.
func (g *Gate) Running() (job string, since time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running, g.since
}

// Run executes fn while holding the gate. It returns an error wrapping
// ErrAlreadyRunning without calling fn when the gate is taken.
func (g *Gate) Run(job string, fn func() error) error {
	if !g.TryAcquire(job) {
		current, _ := g.Running()
		return fmt.Errorf("%s rejected, %s in flight: %w", job, current, ErrAlreadyRunning)
	}
	defer g.Release()
	return fn()
}
