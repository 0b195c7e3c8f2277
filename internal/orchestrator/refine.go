package orchestrator

import (
	"context"
	"log/slog"

	"github.com/Sumatoshi-tech/callfang/internal/backend"
	"github.com/Sumatoshi-tech/callfang/internal/logsink"
)

// Refiner post-processes an analyzer result before import, e.g. an
// LLM-assisted pass pruning spurious function-pointer edges or naming
// fuzzer focus areas. A nil result with a nil error declines refinement.
type Refiner interface {
	Refine(ctx context.Context, snapshotID string, res *backend.Result) (*backend.Result, error)
}

// runRefine executes the refine phase. Unlike every other phase it
// degrades silently: a refiner failure keeps the unrefined result and
// the build continues. The phase status still records the failure.
func (o *Orchestrator) runRefine(ctx context.Context, st *buildState, res *backend.Result) *backend.Result {
	progress := st.report.phase(logsink.PhaseAIRefine)

	if o.Refine == nil {
		progress.Status = StatusSkipped
		o.emitProgress(ctx, st.id, progress)

		return res
	}

	var refined *backend.Result

	err := o.runPhase(ctx, st, logsink.PhaseAIRefine, func(ctx context.Context) (string, error) {
		out, refineErr := o.Refine.Refine(ctx, st.id, res)
		if refineErr != nil {
			return "", refineErr
		}

		refined = out
		if refined == nil {
			return "refiner declined", nil
		}

		return "result refined", nil
	})
	if err != nil {
		o.log.WarnContext(ctx, "refine degraded to unrefined result",
			slog.String("snapshot", st.id),
			slog.String("error", err.Error()))

		return res
	}

	if refined == nil {
		progress.Status = StatusSkipped

		return res
	}

	return refined
}
