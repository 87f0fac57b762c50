package jobs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/yungbote/jobstream/internal/domain"
)

// EchoHandler is a built-in job type that copies its config into an output
// artifact over a configurable number of steps. It exists to exercise the
// full lifecycle (progress, logs, checkpoints, artifacts, receipt) without
// any external dependency, and is the handler integration tests run against.
type EchoHandler struct {
	StepDelay time.Duration
}

func (h *EchoHandler) Type() string { return "echo" }

func (h *EchoHandler) Run(ctx *Context) error {
	steps := 5
	if s, ok := ctx.ConfigString("steps"); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			steps = n
		}
	}

	ctx.Log(domain.LogLevelInfo, "echo starting", map[string]any{"steps": steps})

	for i := 1; i <= steps; i++ {
		if err := ctx.Checkpoint(); err != nil {
			ctx.Log(domain.LogLevelWarn, "echo stopping at checkpoint", map[string]any{"step": i})
			return err
		}
		done := i
		total := steps
		ctx.Progress("echo", i*100/steps, &done, &total)
		if h.StepDelay > 0 {
			time.Sleep(h.StepDelay)
		}
	}

	body := fmt.Sprintf("{\"echoed\":true,\"steps\":%d,\"config_hash\":%q}\n", steps, ctx.Job.ConfigHash)
	if err := ctx.SaveOutput("echo.json", []byte(body)); err != nil {
		return err
	}
	ctx.Log(domain.LogLevelInfo, "echo finished", nil)
	return nil
}
