// Package poll drives a claim function in a loop for long-running consumers.
package poll

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// ClaimFunc tries to claim and handle one item. It reports false when
// nothing was claimable.
type ClaimFunc func(ctx context.Context) (bool, error)

// Options bounds one Run.
type Options struct {
	// Max stops the loop after this many handled items; zero means no limit.
	Max int

	// StopWhenIdle ends the loop at the first empty poll instead of waiting.
	StopWhenIdle bool
}

// Poller repeats claims back to back while work is available and paces
// empty polls with a token bucket, so an idle consumer does not hammer the
// database.
type Poller struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a poller allowing limit empty polls per second with burst.
func New(limit rate.Limit, burst int, logger *slog.Logger) *Poller {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{limiter: rate.NewLimiter(limit, burst), logger: logger}
}

// Run calls claim until ctx ends, opts stops it, or claim fails. It returns
// the number of handled items. Context cancellation is a normal stop and
// yields a nil error.
func (p *Poller) Run(ctx context.Context, opts Options, claim ClaimFunc) (int, error) {
	handled := 0
	for {
		if ctx.Err() != nil {
			return handled, nil
		}
		if opts.Max > 0 && handled >= opts.Max {
			return handled, nil
		}

		ok, err := claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return handled, nil
			}
			return handled, err
		}
		if ok {
			handled++
			continue
		}

		if opts.StopWhenIdle {
			return handled, nil
		}
		p.logger.Debug("poll idle", "handled", handled)
		// with burst >= 1, Wait only fails when ctx is done or its
		// deadline falls before the next token
		if err := p.limiter.Wait(ctx); err != nil {
			return handled, nil
		}
	}
}
