package engine

import (
	"context"
	"fmt"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
)

// SubroutineLauncher starts child FlowchartRuns. Launch must enqueue a
// brand-new run and return its ID without waiting for it; an activation
// never attaches to an existing run.
type SubroutineLauncher interface {
	Launch(ctx context.Context, flowchartID string, in runtime.InputContext) (runID string, err error)
}

// subroutineHandler invokes another flowchart as a subroutine. Every
// activation enqueues a fresh child run: three activations of the same
// node in one run produce three independent child runs.
type subroutineHandler struct{}

func (subroutineHandler) Execute(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun) (runtime.Output, []ArtifactDraft, error) {
	if ex.Launcher == nil {
		return runtime.Output{}, nil, fmt.Errorf("node %s: no subroutine launcher configured", n.ID)
	}
	target := n.Attr("flowchart_id", "")
	if target == "" {
		return runtime.Output{}, nil, fmt.Errorf("node %s: no flowchart_id configured", n.ID)
	}

	childID, err := ex.Launcher.Launch(ctx, target, nr.InputContext)
	if err != nil {
		return runtime.Output{}, nil, fmt.Errorf("node %s: launch subroutine %s: %w", n.ID, target, err)
	}

	state := map[string]any{
		"flowchart_id": target,
		"child_run_id": childID,
	}
	out := runtime.Output{Status: runtime.ExecSuccess, State: state}
	return out, []ArtifactDraft{{Type: "subroutine_launch", Payload: state}}, nil
}
