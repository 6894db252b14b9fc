package relay

import (
	"context"
	"log/slog"
	"time"
)

// SymbolLister lists the symbols referenced by pending limit orders
type SymbolLister interface {
	List(ctx context.Context) ([]string, error)
}

// Reconciler periodically pins the relay's upstream demand to the symbols of
// pending limit orders, so those symbols keep ticking with no live viewers.
type Reconciler struct {
	relay    *Relay
	symbols  SymbolLister
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(relay *Relay, symbols SymbolLister, interval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{relay: relay, symbols: symbols, interval: interval, logger: logger}
}

// Run reconciles once immediately and then every interval until ctx is done
func (rc *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.logger.Info("relay reconciler started", "interval", rc.interval)
	rc.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			rc.logger.Info("relay reconciler stopped")
			return nil
		case <-ticker.C:
			rc.Reconcile(ctx)
		}
	}
}

// Reconcile performs one pass. A registry read failure leaves the pinned set unchanged.
func (rc *Reconciler) Reconcile(ctx context.Context) {
	symbols, err := rc.symbols.List(ctx)
	if err != nil {
		rc.logger.Error("failed to list pending symbols", "error", err)
		return
	}
	rc.relay.Pin(symbols)
}
