package funnel

import (
	"context"
	"time"
)

// Sweeper periodically reclaims lapsed slot holds. It is the only background
// task in the core and uses the same conditional-write discipline as request
// handlers, so it can run on every instance without coordination.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   OperationLogger
}

// NewSweeper wires a Sweeper. A non-positive interval falls back to the
// default minute cadence.
func NewSweeper(service *Service, interval time.Duration, logger OperationLogger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{service: service, interval: interval, logger: logger}
}

// Run blocks until the context is cancelled, releasing expired holds on every
// tick. Errors are logged and the loop keeps going; a transiently unavailable
// store only delays reclamation.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := sweeper.service.ReleaseExpiredHolds(ctx)
			if sweeper.logger != nil && (err != nil || released > 0) {
				sweeper.logger.LogOperation(ctx, OperationLog{
					Operation: operationSlot,
					Action:    operationSweep,
					Number:    released,
					Error:     err,
				})
			}
		}
	}
}
