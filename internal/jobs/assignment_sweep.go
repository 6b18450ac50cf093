package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/example/delivery-dispatch/internal/orchestrator"
)

// AssignmentSweep periodically retries auto-assignment for orders
// still awaiting a driver, so a NoDriverAvailable outcome is never
// final: the next sweep picks the order up again.
type AssignmentSweep struct {
	svc      *orchestrator.Service
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger
}

func NewAssignmentSweep(svc *orchestrator.Service, schedule string, logger *slog.Logger) *AssignmentSweep {
	return &AssignmentSweep{
		svc:      svc,
		cron:     cron.New(),
		schedule: schedule,
		logger:   logger.With("component", "assignment_sweep"),
	}
}

func (j *AssignmentSweep) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		j.svc.SweepAwaiting(context.Background())
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("assignment sweep started", "schedule", j.schedule)
	return nil
}

func (j *AssignmentSweep) Stop() {
	j.cron.Stop()
	j.logger.Info("assignment sweep stopped")
}
