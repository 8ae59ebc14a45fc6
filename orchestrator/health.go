package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gostratum/datastorex"
)

// healthTimeout bounds each provider ping
const healthTimeout = 2 * time.Second

// HealthReport maps provider names to their ping result. A nil entry is healthy.
type HealthReport map[string]error

// Healthy reports whether every provider answered without error
func (h HealthReport) Healthy() bool {
	for _, err := range h {
		if err != nil {
			return false
		}
	}
	return true
}

// Err joins the failures, or returns nil when all providers are healthy
func (h HealthReport) Err() error {
	var errs []error
	for name, err := range h {
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth pings every registered provider concurrently. Providers are
// built if needed; a factory failure is reported as unhealthy and providers
// without a Ping method count as healthy.
func (o *Orchestrator) CheckHealth(ctx context.Context) HealthReport {
	descs := o.registry.Descriptors()
	report := make(HealthReport, len(descs))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(8)

	for i, d := range descs {
		g.Go(func() error {
			err := o.ping(ctx, i, d)

			mu.Lock()
			report[d.Name()] = errors.Join(report[d.Name()], err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if !report.Healthy() {
		o.logger.Warn("Provider health check failed", "error", report.Err())
	}
	return report
}

func (o *Orchestrator) ping(ctx context.Context, i int, d datastorex.ProviderDescriptor) error {
	p, err := o.registry.instance(ctx, i, d)
	if err != nil {
		return err
	}
	pinger, ok := p.(datastorex.Pinger)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return pinger.Ping(ctx)
}
