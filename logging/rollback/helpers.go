package rollback

import (
	"context"

	"rollback-arena/logging"
)

const (
	// EventRollback is emitted whenever confirmed input forces a resimulation.
	EventRollback logging.EventType = "rollback.performed"
	// EventPredictionThreshold is emitted when the scheduler refuses to run
	// further ahead of the last confirmed frame.
	EventPredictionThreshold logging.EventType = "rollback.prediction_threshold"
	// EventWaitRecommendation is emitted when the local peer should idle to
	// let a slower peer catch up.
	EventWaitRecommendation logging.EventType = "rollback.wait_recommendation"
	// EventTickBudgetOverrun is emitted when a tick, resimulation included,
	// exceeds its time budget.
	EventTickBudgetOverrun logging.EventType = "rollback.tick_budget_overrun"
	// EventSyncTestMismatch is emitted when a forced rollback reproduces a
	// different checksum than the original run.
	EventSyncTestMismatch logging.EventType = "rollback.synctest_mismatch"
)

// RollbackPayload describes one rewind.
type RollbackPayload struct {
	From        int64 `json:"from"`
	To          int64 `json:"to"`
	Resimulated int   `json:"resimulated"`
}

// ThresholdPayload describes a refused advance.
type ThresholdPayload struct {
	Confirmed int64 `json:"confirmed"`
	Window    int   `json:"window"`
}

// WaitPayload carries the number of ticks the local peer should skip.
type WaitPayload struct {
	SkipFrames int `json:"skipFrames"`
	Advantage  int `json:"advantage"`
}

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
	Resimulated    int     `json:"resimulated"`
}

// SyncTestPayload captures both checksums for a mismatched forced rollback.
type SyncTestPayload struct {
	Original    uint64 `json:"original"`
	Resimulated uint64 `json:"resimulated"`
}

// Performed publishes a debug event for a rollback.
func Performed(ctx context.Context, pub logging.Publisher, frame int64, payload RollbackPayload) {
	publish(ctx, pub, frame, EventRollback, logging.SeverityDebug, payload)
}

// PredictionThreshold publishes a warning for a refused advance.
func PredictionThreshold(ctx context.Context, pub logging.Publisher, frame int64, payload ThresholdPayload) {
	publish(ctx, pub, frame, EventPredictionThreshold, logging.SeverityWarn, payload)
}

// WaitRecommendation publishes an info event for a skip recommendation.
func WaitRecommendation(ctx context.Context, pub logging.Publisher, frame int64, payload WaitPayload) {
	publish(ctx, pub, frame, EventWaitRecommendation, logging.SeverityInfo, payload)
}

// TickBudgetOverrun publishes a warning when a tick exceeds its budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, frame int64, payload TickBudgetOverrunPayload) {
	publish(ctx, pub, frame, EventTickBudgetOverrun, logging.SeverityWarn, payload)
}

// SyncTestMismatch publishes an error for a nondeterministic resimulation.
func SyncTestMismatch(ctx context.Context, pub logging.Publisher, frame int64, payload SyncTestPayload) {
	publish(ctx, pub, frame, EventSyncTestMismatch, logging.SeverityError, payload)
}

func publish(ctx context.Context, pub logging.Publisher, frame int64, eventType logging.EventType, severity logging.Severity, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Frame:    frame,
		Severity: severity,
		Category: logging.CategoryRollback,
		Payload:  payload,
	})
}
