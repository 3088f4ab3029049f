package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
	"github.com/flowmason/flowmason/internal/flow/store"
)

// Launcher starts child runs for subroutine nodes. Each Launch enqueues a
// brand-new run and drives it on its own goroutine; the parent node only
// waits for enqueueing, never for completion. There is no reentrancy: two
// activations of the same target flowchart yield two independent runs.
type Launcher struct {
	Config    RunConfig
	Store     store.Store
	Events    *Publisher
	Tasks     TaskRunner
	Retriever RAGBackend
	Prompts   map[string]string

	// OnRunFinished observes child run completion; used by tests. May be nil.
	OnRunFinished func(run *runtime.FlowchartRun, err error)

	mu         sync.Mutex
	flowcharts map[string]*model.Flowchart
	wg         sync.WaitGroup
}

var _ SubroutineLauncher = (*Launcher)(nil)

// Register makes a flowchart launchable by ID.
func (l *Launcher) Register(f *model.Flowchart) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.flowcharts == nil {
		l.flowcharts = map[string]*model.Flowchart{}
	}
	l.flowcharts[f.ID] = f
}

func (l *Launcher) Launch(ctx context.Context, flowchartID string, in runtime.InputContext) (string, error) {
	l.mu.Lock()
	f := l.flowcharts[flowchartID]
	l.mu.Unlock()
	if f == nil {
		return "", fmt.Errorf("unknown flowchart %q", flowchartID)
	}

	c, err := NewCoordinator(ctx, CoordinatorOptions{
		Flowchart: f,
		Config:    l.Config,
		Store:     l.Store,
		Events:    l.Events,
		Tasks:     l.Tasks,
		Launcher:  l,
		Retriever: l.Retriever,
		Prompts:   l.Prompts,
		SeedInput: in,
	})
	if err != nil {
		return "", err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		// Child runs outlive the parent NodeRun; they are not bound to its
		// context.
		run, err := c.Execute(context.Background())
		if l.OnRunFinished != nil {
			l.OnRunFinished(run, err)
		}
	}()
	return c.RunID(), nil
}

// Wait blocks until all launched child runs finish.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
