package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Sumatoshi-tech/callfang/internal/artifact"
	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/logsink"
	"github.com/Sumatoshi-tech/callfang/internal/ticket"
)

// Phase statuses, in lifecycle order.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// reportBasename names the build report artifact within a snapshot's
// log directory.
const reportBasename = "report"

// PhaseProgress is one phase's lifecycle record. Instances are appended
// as JSON events to the phase's log stream and collected in the build
// report.
type PhaseProgress struct {
	Phase  string    `json:"phase"`
	Status string    `json:"status"`
	Start  time.Time `json:"start,omitzero"`
	End    time.Time `json:"end,omitzero"`
	Detail string    `json:"detail,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// BuildReport summarizes one build attempt. It is written into the
// snapshot's log directory on success and on failure, so a failed build
// leaves a machine-readable trail next to its phase logs.
type BuildReport struct {
	SnapshotID  string          `json:"snapshot_id"`
	RepoURL     string          `json:"repo_url"`
	Version     string          `json:"version"`
	Backend     string          `json:"backend"`
	Language    string          `json:"language,omitempty"`
	BuildSystem string          `json:"build_system,omitempty"`
	Commands    []string        `json:"commands,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at,omitzero"`
	Succeeded   bool            `json:"succeeded"`
	Phases      []PhaseProgress `json:"phases"`
	Warnings    []string        `json:"warnings,omitempty"`
	Functions   int             `json:"function_count"`
	Externals   int             `json:"external_count"`
	Fuzzers     int             `json:"fuzzer_count"`
	Calls       int             `json:"call_count"`
	Reaches     int             `json:"reach_count"`
}

// reportPersister handles report serialization.
var reportPersister = artifact.NewPersister[BuildReport](reportBasename, artifact.NewJSONCodec())

// newBuildReport initializes a report with every phase pending.
func newBuildReport(rec *catalog.SnapshotRecord, tk *ticket.Ticket, startedAt time.Time) *BuildReport {
	phases := make([]PhaseProgress, len(logsink.Phases))
	for i, phase := range logsink.Phases {
		phases[i] = PhaseProgress{Phase: phase, Status: StatusPending}
	}

	return &BuildReport{
		SnapshotID: rec.ID,
		RepoURL:    tk.RepoURL,
		Version:    tk.Version,
		Backend:    rec.Backend,
		StartedAt:  startedAt,
		Phases:     phases,
	}
}

// phase returns the report slot for one phase name.
func (r *BuildReport) phase(name string) *PhaseProgress {
	for i := range r.Phases {
		if r.Phases[i].Phase == name {
			return &r.Phases[i]
		}
	}

	return nil
}

// saveReport writes the report into the snapshot's log directory. Report
// persistence is best-effort: a build never fails because its summary
// could not be written.
func (o *Orchestrator) saveReport(ctx context.Context, id string, report *BuildReport) {
	dir, err := o.Logs.Dir(id)
	if err == nil {
		err = reportPersister.Save(dir, report)
	}

	if err != nil {
		o.log.WarnContext(ctx, "build report not written",
			slog.String("snapshot", id),
			slog.String("error", err.Error()))
	}
}

// LoadReport reads the build report of a snapshot from its log
// directory. Missing reports surface the underlying artifact error.
func (o *Orchestrator) LoadReport(id string) (*BuildReport, error) {
	dir, err := o.Logs.Dir(id)
	if err != nil {
		return nil, err
	}

	return reportPersister.Load(dir)
}

// emitProgress appends one phase event to the phase's log stream as a
// single JSON line. Event emission is best-effort.
func (o *Orchestrator) emitProgress(ctx context.Context, id string, event *PhaseProgress) {
	line, err := json.Marshal(event)
	if err == nil {
		err = o.Logs.Append(id, event.Phase, string(line))
	}

	if err != nil {
		o.log.WarnContext(ctx, "phase event not recorded",
			slog.String("snapshot", id),
			slog.String("phase", event.Phase),
			slog.String("error", err.Error()))
	}
}
