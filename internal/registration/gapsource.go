package registration

import (
	"context"

	"github.com/BenignMalice/usltpm/internal/marketservice"
)

// PollGapPlans polls src once for pending CME-gap plans (SPEC_FULL.md
// §6's supplemented GapPlanSource interface) and hands each plan waiting
// to be placed to onPending (a nil onPending drops them). A GapPlan has no ticket yet — it becomes a managed
// TradeState only once the auto-execution layer places the order and
// the resulting broker position surfaces through the normal
// registration or recovery path (recovery's plan_id comment inference
// picks it up by PlanID). This poll exists purely so operators can see
// gap-driven demand building up before it executes; a nil src is a
// no-op.
func PollGapPlans(ctx context.Context, src marketservice.GapPlanSource, onPending func(marketservice.GapPlan)) error {
	if src == nil {
		return nil
	}
	plans, err := src.PendingPlans(ctx)
	if err != nil {
		return err
	}
	if onPending == nil {
		return nil
	}
	for _, plan := range plans {
		onPending(plan)
	}
	return nil
}
