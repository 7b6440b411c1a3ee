package watch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TaskGroup is the registry for the daemon's background loops. Every
// goroutine runs under one shared context with a name, so shutdown is a
// single cancel-and-wait and a stuck loop can be identified by name.
type TaskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
}

func NewTaskGroup(parent context.Context) *TaskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &TaskGroup{
		ctx:     ctx,
		cancel:  cancel,
		running: map[string]int{},
	}
}

// Context is the shared context all tasks run under.
func (g *TaskGroup) Context() context.Context {
	return g.ctx
}

// Go starts fn as a named task. Several tasks may share a name; the name
// stays listed until the last of them returns. A panicking task is logged
// and released, never crashing the process.
func (g *TaskGroup) Go(name string, fn func(ctx context.Context)) {
	g.mu.Lock()
	g.running[name]++
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			if g.running[name]--; g.running[name] <= 0 {
				delete(g.running, name)
			}
			g.mu.Unlock()

			if r := recover(); r != nil {
				log.Error().Any("panic", r).Str("task", name).Msg("Background task panicked")
			}
		}()

		log.Debug().Str("task", name).Msg("Task started")
		fn(g.ctx)
		log.Debug().Str("task", name).Msg("Task finished")
	}()
}

// Running lists the names of tasks that have not returned yet.
func (g *TaskGroup) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.running))
	for name := range g.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown cancels the shared context and waits for every task to return,
// up to timeout. Stragglers are reported by name.
func (g *TaskGroup) Shutdown(timeout time.Duration) error {
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("tasks still running after %s: %v", timeout, g.Running())
	}
}
