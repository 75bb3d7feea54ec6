package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aymenfurter/toolgate/internal/audit"
	"github.com/aymenfurter/toolgate/internal/hitl"
	"github.com/aymenfurter/toolgate/internal/policy"
)

// Janitor runs the periodic maintenance jobs: sweeping stale approvals,
// purging old audit rows, and probing shield connectivity.
type Janitor struct {
	cron         *cron.Cron
	interceptors map[policy.Context]*hitl.Interceptor
	auditLog     *audit.Store
	shield       ShieldChecker
	retention    time.Duration
	approvalCap  time.Duration
	logger       *slog.Logger
}

// NewJanitor wires the maintenance jobs. retentionDays <= 0 disables the
// audit purge; a nil shield disables the connectivity probe.
func NewJanitor(interceptors map[policy.Context]*hitl.Interceptor, auditLog *audit.Store, shieldClient ShieldChecker, retentionDays int, logger *slog.Logger) *Janitor {
	return &Janitor{
		cron:         cron.New(),
		interceptors: interceptors,
		auditLog:     auditLog,
		shield:       shieldClient,
		retention:    time.Duration(retentionDays) * 24 * time.Hour,
		approvalCap:  hitl.ApprovalTimeout,
		logger:       logger.With("component", "janitor"),
	}
}

// Start registers and begins the scheduled jobs.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("* * * * *", j.sweepApprovals); err != nil {
		return err
	}
	if j.auditLog != nil && j.retention > 0 {
		if _, err := j.cron.AddFunc("@hourly", j.purgeAudit); err != nil {
			return err
		}
	}
	if j.shield != nil {
		if _, err := j.cron.AddFunc("@hourly", j.probeShield); err != nil {
			return err
		}
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule. Running jobs finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// sweepApprovals denies approvals that outlived the cap. The interceptor's
// own timer normally fires first; the sweep catches entries whose waiting
// goroutine was wedged by a stalled transport.
func (j *Janitor) sweepApprovals() {
	cutoff := time.Now().Add(-j.approvalCap)
	for execCtx, interceptor := range j.interceptors {
		for _, p := range interceptor.PendingApprovals() {
			if p.Since.After(cutoff) {
				continue
			}
			if interceptor.ResolveApproval(p.ToolCallID, false) {
				j.logger.Warn("swept stale approval",
					"tool_call_id", p.ToolCallID,
					"tool", p.ToolName,
					"execution_context", string(execCtx),
					"age", time.Since(p.Since).Round(time.Second))
			}
		}
	}
}

func (j *Janitor) purgeAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.retention)
	purged, err := j.auditLog.Purge(ctx, cutoff)
	if err != nil {
		j.logger.Error("audit purge failed", "error", err)
		return
	}
	if purged > 0 {
		j.logger.Info("purged old decisions", "count", purged, "cutoff", cutoff)
	}
}

func (j *Janitor) probeShield() {
	if !j.shield.Configured() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result := j.shield.DryRun(ctx)
	if result.Failed {
		j.logger.Warn("shield connectivity probe failed", "detail", result.Detail)
		return
	}
	j.logger.Debug("shield connectivity probe ok")
}
