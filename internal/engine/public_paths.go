package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"dynamic-api/internal/models"

	"github.com/jonboulle/clockwork"
)

type PublicSource interface {
	PublicEndpoints(ctx context.Context) ([]models.Endpoint, error)
}

type pathSet map[string]struct{}

func pathKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// PublicPaths is the set of endpoint patterns reachable without
// authentication. Readers see a whole snapshot; Refresh swaps in a new one.
type PublicPaths struct {
	log      *slog.Logger
	clock    clockwork.Clock
	interval time.Duration
	source   PublicSource

	snapshot atomic.Pointer[pathSet]
	ready    atomic.Bool
}

func NewPublicPaths(log *slog.Logger, clock clockwork.Clock, interval time.Duration, source PublicSource) *PublicPaths {
	p := &PublicPaths{log: log, clock: clock, interval: interval, source: source}
	empty := pathSet{}
	p.snapshot.Store(&empty)
	return p
}

func (p *PublicPaths) Ready() bool {
	return p.ready.Load()
}

// Contains reports whether the stored path pattern is public for method.
func (p *PublicPaths) Contains(method, pattern string) bool {
	_, ok := (*p.snapshot.Load())[pathKey(method, pattern)]
	return ok
}

func (p *PublicPaths) Len() int {
	return len(*p.snapshot.Load())
}

func (p *PublicPaths) Run(ctx context.Context) error {
	if err := p.Refresh(ctx); err != nil {
		p.log.Error("public paths: initial refresh failed", "error", err)
	}
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := p.Refresh(ctx); err != nil {
				p.log.Error("public paths: refresh failed", "error", err)
			}
		}
	}
}

// Refresh rebuilds the set. On error the previous snapshot stays in place.
func (p *PublicPaths) Refresh(ctx context.Context) error {
	endpoints, err := p.source.PublicEndpoints(ctx)
	if err != nil {
		return err
	}

	next := make(pathSet, len(endpoints))
	for _, ep := range endpoints {
		next[pathKey(ep.Method, ep.Path)] = struct{}{}
	}
	p.snapshot.Store(&next)
	p.ready.Store(true)
	return nil
}
