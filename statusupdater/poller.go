package statusupdater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// RateLimitError indicates the upstream API rejected a request for being
// rate limited. RetryAfter, if positive, is the delay the API asked for.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// FetchFunc retrieves the games currently being played by the given
// external account IDs. The result maps each ID to zero or more game
// names. IDs absent from the result are treated as not in-game.
type FetchFunc func(ctx context.Context, logger *slog.Logger, ids []string) (
	map[string][]string,
	error,
)

// PlayerPoller periodically polls an external presence API for the games
// played by a set of watched account IDs, caching the results.
//
// Account IDs are registered per voice channel, so a channel's IDs stop
// being polled when the channel empties. Lookups via [PlayerPoller.Values]
// are served from the cache and never block on the API.
type PlayerPoller struct {
	name    string
	config  PollerConfig
	fetch   FetchFunc
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.RWMutex
	watched  map[string]map[string]bool
	cache    map[string][]string
	cachedAt time.Time

	pollCh chan struct{}
}

// NewPlayerPoller creates a poller with the given name (used in logs),
// configuration and fetch function.
func NewPlayerPoller(
	name string,
	config PollerConfig,
	fetch FetchFunc,
	logger *slog.Logger,
) (*PlayerPoller, error) {
	if fetch == nil {
		return nil, errors.New("nil fetch function")
	}
	if msg := validatePollerConfig(config); msg != "" {
		return nil, fmt.Errorf("invalid poller config: %s", msg)
	}
	if logger == nil {
		logger = slog.Default()
	}
	rps := config.MaxRequestsPerSecond
	if rps < 1 {
		rps = DefaultPollMaxRequestsPerSecond
	}
	return &PlayerPoller{
		name:    name,
		config:  config,
		fetch:   fetch,
		logger:  logger.With(loggerNameKey, fmt.Sprintf("%s_poller", name)),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		watched: map[string]map[string]bool{},
		cache:   map[string][]string{},
		pollCh:  make(chan struct{}, 1),
	}, nil
}

// SetPoll registers the account IDs to poll on behalf of the given
// channel, replacing any previous set. An empty ID list is equivalent to
// [PlayerPoller.RemoveChannel].
func (p *PlayerPoller) SetPoll(channelID string, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(ids) == 0 {
		delete(p.watched, channelID)
		return
	}
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		idSet[id] = true
	}
	p.watched[channelID] = idSet
}

// RemoveChannel stops polling the IDs registered for the given channel.
func (p *PlayerPoller) RemoveChannel(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, channelID)
}

// Values returns the cached game names for the given account ID.
func (p *PlayerPoller) Values(id string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	games := p.cache[id]
	if len(games) == 0 {
		return nil
	}
	rv := make([]string, len(games))
	copy(rv, games)
	return rv
}

// Poll triggers an immediate poll cycle if one isn't already pending.
func (p *PlayerPoller) Poll() {
	select {
	case p.pollCh <- struct{}{}:
	default:
	}
}

// watchedIDs returns the union of all registered account IDs, sorted for
// stable batching.
func (p *PlayerPoller) watchedIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	idSet := map[string]bool{}
	for _, ids := range p.watched {
		maps.Copy(idSet, ids)
	}
	rv := make([]string, 0, len(idSet))
	for id := range idSet {
		rv = append(rv, id)
	}
	sort.Strings(rv)
	return rv
}

// Run polls on the configured interval until ctx is canceled.
func (p *PlayerPoller) Run(ctx context.Context) {
	p.logger.InfoContext(
		ctx,
		"starting poller",
		"interval", p.config.Interval,
		"batch_size", p.config.BatchSize,
	)
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "poller stopped")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		case <-p.pollCh:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce fetches presence data for all watched IDs and replaces the
// cache with the result. When nothing is watched, the cache is cleared
// without touching the API.
func (p *PlayerPoller) pollOnce(ctx context.Context) {
	ids := p.watchedIDs()
	if len(ids) == 0 {
		p.mu.Lock()
		if len(p.cache) > 0 {
			p.cache = map[string][]string{}
		}
		p.mu.Unlock()
		return
	}

	results := map[string][]string{}
	failed := false
	for _, batch := range chunkItems(p.config.BatchSize, ids...) {
		batchResults, err := p.fetchWithBackoff(ctx, batch)
		if err != nil {
			failed = true
			p.logger.WarnContext(
				ctx,
				"poll batch failed",
				"batch_size", len(batch),
				tint.Err(err),
			)
			continue
		}
		maps.Copy(results, batchResults)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if failed {
		// Keep serving the previous results unless they've gone stale
		if !p.cachedAt.IsZero() && time.Since(p.cachedAt) > p.config.StaleAfter {
			p.logger.WarnContext(ctx, "evicting stale presence cache")
			p.cache = map[string][]string{}
			p.cachedAt = time.Time{}
		}
		return
	}
	p.cache = results
	p.cachedAt = time.Now()
}

// fetchWithBackoff calls the fetch function, retrying with exponential
// backoff. Rate limit responses honor the API's requested delay when it
// exceeds the computed backoff.
func (p *PlayerPoller) fetchWithBackoff(ctx context.Context, ids []string) (
	map[string][]string,
	error,
) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoffDelay(attempt)
			var rateErr *RateLimitError
			if errors.As(lastErr, &rateErr) && rateErr.RetryAfter > delay {
				delay = rateErr.RetryAfter
			}
			p.logger.DebugContext(
				ctx,
				"retrying poll",
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		results, err := p.fetch(ctx, p.logger, ids)
		if err == nil {
			return results, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// backoffDelay returns the delay before the given retry attempt,
// doubling from the base and capped at the configured maximum.
func (p *PlayerPoller) backoffDelay(attempt int) time.Duration {
	delay := p.config.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.config.BackoffCap {
			return p.config.BackoffCap
		}
	}
	if p.config.BackoffCap > 0 && delay > p.config.BackoffCap {
		return p.config.BackoffCap
	}
	return delay
}
