package admin

import (
	"context"
	"time"

	"github.com/nullseed/flywheel-engine/internal/claim"
	"github.com/nullseed/flywheel-engine/internal/flywheel"
	"github.com/nullseed/flywheel-engine/internal/platformloop"
)

// FlywheelHandle adapts *flywheel.Scheduler to SchedulerHandle. new_budget
// maps to the per-tick trade budget (MaxTradesPerTick).
type FlywheelHandle struct{ Scheduler *flywheel.Scheduler }

func (h FlywheelHandle) Stop() { h.Scheduler.Stop() }
func (h FlywheelHandle) Start(ctx context.Context) { h.Scheduler.Start(ctx) }
func (h FlywheelHandle) Reconfigure(newInterval time.Duration, newBudget float64) {
	h.Scheduler.Reconfigure(newInterval, int(newBudget))
}

// ClaimFastHandle adapts *claim.Scheduler's fast cycle to SchedulerHandle.
// Stop/Start restart both the fast and slow cycles together — they share
// one ticker-loop lifecycle inside claim.Scheduler — so restarting either
// kind restarts the other's cadence unchanged alongside it. new_budget maps
// to the fast-claim SOL threshold.
type ClaimFastHandle struct{ Scheduler *claim.Scheduler }

func (h ClaimFastHandle) Stop() { h.Scheduler.Stop() }
func (h ClaimFastHandle) Start(ctx context.Context) { h.Scheduler.Start(ctx) }
func (h ClaimFastHandle) Reconfigure(newInterval time.Duration, newBudget float64) {
	h.Scheduler.ReconfigureFast(newInterval, newBudget)
}

// ClaimSlowHandle adapts *claim.Scheduler's slow cycle to SchedulerHandle.
// new_budget maps to the per-cycle token cap (SlowMaxTokens).
type ClaimSlowHandle struct{ Scheduler *claim.Scheduler }

func (h ClaimSlowHandle) Stop() { h.Scheduler.Stop() }
func (h ClaimSlowHandle) Start(ctx context.Context) { h.Scheduler.Start(ctx) }
func (h ClaimSlowHandle) Reconfigure(newInterval time.Duration, newBudget float64) {
	h.Scheduler.ReconfigureSlow(newInterval, int(newBudget))
}

// PlatformLoopHandle adapts *platformloop.Loop to SchedulerHandle. new_budget
// is unused — the platform loop has no trade-budget knob — and new_interval
// retunes its trade-tick cadence only, leaving the claim cadence as-is.
type PlatformLoopHandle struct{ Loop *platformloop.Loop }

func (h PlatformLoopHandle) Stop() { h.Loop.Stop() }
func (h PlatformLoopHandle) Start(ctx context.Context) { h.Loop.Start(ctx) }
func (h PlatformLoopHandle) Reconfigure(newInterval time.Duration, newBudget float64) {
	h.Loop.Reconfigure(newInterval, 0)
}
