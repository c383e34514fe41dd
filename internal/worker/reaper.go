package worker

import (
	"context"
	"time"

	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Reaper periodically cancels abandoned gateway orders. Hygiene, not
// reclamation: the orders it touches hold no committed stock unless a prior
// partial commit left the flag set, and the cancel path checks the flag.
type Reaper struct {
	fulfillment *service.FulfillmentService
	interval    time.Duration
	threshold   time.Duration
	logger      *zap.Logger
}

// NewReaper creates a new compensation reaper
func NewReaper(fulfillment *service.FulfillmentService, interval, threshold time.Duration) *Reaper {
	return &Reaper{
		fulfillment: fulfillment,
		interval:    interval,
		threshold:   threshold,
		logger:      util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("Starting compensation reaper",
		zap.Duration("interval", r.interval),
		zap.Duration("threshold", r.threshold))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.fulfillment.ReapAbandoned(ctx, r.threshold); err != nil {
				r.logger.Error("Reaper sweep failed", zap.Error(err))
			}
		}
	}
}
