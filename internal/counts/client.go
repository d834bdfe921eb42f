package counts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"skymatch/pkg/skygeom"
)

// ErrProviderUnresponsive is returned once the provider has failed to
// communicate for the configured number of consecutive attempts. Fatal:
// the sightline cannot be modelled without counts.
var ErrProviderUnresponsive = errors.New("counts: provider not responding")

// Request describes one sightline simulation.
type Request struct {
	Filter string
	// MagLim is the faint magnitude limit of the simulation.
	MagLim float64
	// Area is the requested simulation area in square degrees. The provider
	// may deliver a different achieved area; Table.Area is authoritative.
	Area float64
}

// Provider produces source-count tables for a sky position. Implementations
// are expected to honour ctx cancellation; slow providers are handled by
// Fetch rather than by each call site.
type Provider interface {
	Counts(ctx context.Context, at skygeom.Point, req Request) (*Table, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, at skygeom.Point, req Request) (*Table, error)

func (f ProviderFunc) Counts(ctx context.Context, at skygeom.Point, req Request) (*Table, error) {
	return f(ctx, at, req)
}

// FetchOptions bounds the retry behaviour of Fetch.
type FetchOptions struct {
	// Timeout is the per-attempt deadline. A timed-out attempt is retried
	// with half the requested area, since large-area simulations are the
	// usual cause of provider stalls.
	Timeout time.Duration
	// MaxAttempts caps consecutive failed attempts before giving up.
	MaxAttempts int
	// Backoff is the initial wait after a communication failure; it doubles
	// per failure.
	Backoff time.Duration
	// MinArea stops the area-halving from shrinking the simulation below a
	// statistically useful size.
	MinArea float64

	Log *slog.Logger
}

// DefaultFetchOptions mirrors the operational envelope the pipeline runs
// with: generous per-attempt deadlines, five strikes before declaring the
// provider dead.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		Timeout:     30 * time.Minute,
		MaxAttempts: 5,
		Backoff:     time.Minute,
		MinArea:     0.001,
	}
}

// Fetch requests a count table, retrying around slow or flaky providers.
// Timeouts halve the requested area before retrying; other failures back
// off exponentially. After MaxAttempts consecutive failures the error wraps
// ErrProviderUnresponsive.
func Fetch(ctx context.Context, p Provider, at skygeom.Point, req Request, opt FetchOptions) (*Table, error) {
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 1
	}
	log := opt.Log
	if log == nil {
		log = slog.Default()
	}

	backoff := opt.Backoff
	var lastErr error
	for attempt := 1; attempt <= opt.MaxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if opt.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opt.Timeout)
		}
		tab, err := p.Counts(attemptCtx, at, req)
		cancel()
		if err == nil {
			return tab, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) && req.Area/2 >= opt.MinArea {
			req.Area /= 2
			log.Warn("count simulation timed out, retrying with smaller area",
				"filter", req.Filter, "area", req.Area, "attempt", attempt)
			continue
		}
		log.Warn("count provider attempt failed",
			"filter", req.Filter, "attempt", attempt, "err", err)
		if attempt < opt.MaxAttempts && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrProviderUnresponsive, opt.MaxAttempts, lastErr)
}
