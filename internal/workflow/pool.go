package workflow

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"workflow-manager/internal/common/errors"
)

const DefaultPoolSize = 4

// fanOut runs one task per node on a bounded pool and delivers exactly one
// outcome per node in completion order. Once cancel is called, tasks that
// have not started yet report Cancelled instead of running. cancel is the only
// way to stop a task; running tasks always finish their backend call.
type fanOut struct {
	pool      *ants.Pool
	results   chan RegistrationOutcome
	cancelled atomic.Bool
	total     int
}

func newFanOut(size, total int) (*fanOut, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	pool, err := ants.NewPool(size, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create registration pool: %w", err)
	}
	return &fanOut{
		pool:    pool,
		results: make(chan RegistrationOutcome, total),
		total:   total,
	}, nil
}

// start submits one task per node from a separate goroutine so the caller
// only blocks on collection.
func (f *fanOut) start(ctx context.Context, nodes []*Node, task func(context.Context, *Node) RegistrationOutcome) {
	go func() {
		for _, node := range nodes {
			node := node
			err := f.pool.Submit(func() {
				if f.cancelled.Load() {
					f.results <- RegistrationOutcome{
						NodeName:  node.Name,
						Cancelled: true,
						Message:   errors.NewTaskCancelledError(node.Name).Error(),
					}
					return
				}
				out := task(ctx, node)
				if !out.Succeeded {
					f.cancel()
				}
				f.results <- out
			})
			if err != nil {
				f.results <- RegistrationOutcome{
					NodeName: node.Name,
					Message:  fmt.Sprintf("Workflow Node %s failed to register. %s", node.Model.Name, err.Error()),
				}
			}
		}
	}()
}

// next blocks until the next task finishes.
func (f *fanOut) next() RegistrationOutcome {
	return <-f.results
}

// cancel asks not-yet-started tasks to skip. Safe to call repeatedly.
func (f *fanOut) cancel() {
	f.cancelled.Store(true)
}

func (f *fanOut) release() {
	f.pool.Release()
}
