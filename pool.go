package integration

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Runner is one worker kind driven by the pool. Implementations must keep
// RunScope to at most one outstanding claim per call; the pool guarantees a
// scope is only ever handed to one loop.
type Runner interface {
	Name() string
	Scopes(ctx context.Context) ([]string, error)
	RunScope(ctx context.Context, scope string) (bool, error)
}

// Pool runs a fixed number of independent polling loops over the runners'
// scopes. Each scope hashes to exactly one loop, which serializes all work
// within a scope without any shared in-process queue; coordination across
// processes stays entirely in the claim store.
type Pool struct {
	runners     []Runner
	size        int
	logger      *slog.Logger
	idleInitial time.Duration
	idleMax     time.Duration
}

func NewPool(size int, logger *slog.Logger, runners ...Runner) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		runners:     runners,
		size:        size,
		logger:      logger,
		idleInitial: 250 * time.Millisecond,
		idleMax:     5 * time.Second,
	}
}

// Run blocks until ctx is canceled. Loops shut down cooperatively between
// claim cycles; an in-flight external call completes or times out first.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		idx := i
		g.Go(func() error {
			p.loop(ctx, idx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, idx int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.idleInitial
	bo.MaxInterval = p.idleMax
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := p.sweep(ctx, idx)
		if err != nil && ctx.Err() == nil {
			captureError(ctx, p.logger, fmt.Errorf("worker loop %d: %w", idx, err))
		}
		if claimed {
			bo.Reset()
			continue
		}

		t := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// sweep walks every runner's scopes that hash to this loop, claiming at most
// one item per scope per pass. A failing scope never blocks the others; its
// error is collected and reported after the pass.
func (p *Pool) sweep(ctx context.Context, idx int) (bool, error) {
	claimedAny := false
	var errs []error

	for _, r := range p.runners {
		scopes, err := r.Scopes(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s scopes: %w", r.Name(), err))
			continue
		}
		for _, scope := range scopes {
			if ctx.Err() != nil {
				return claimedAny, errors.Join(errs...)
			}
			if !p.owns(scope, idx) {
				continue
			}
			claimed, err := r.RunScope(ctx, scope)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s scope %s: %w", r.Name(), scope, err))
			}
			claimedAny = claimedAny || claimed
		}
	}
	return claimedAny, errors.Join(errs...)
}

func (p *Pool) owns(scope string, idx int) bool {
	return int(crc32.ChecksumIEEE([]byte(scope))%uint32(p.size)) == idx
}
