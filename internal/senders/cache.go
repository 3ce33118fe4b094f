// Package senders resolves bare sender ids into profiles for display.
package senders

import (
	"context"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"golang.org/x/sync/singleflight"

	"palaver/internal/content"
	"palaver/internal/metrics"
	"palaver/internal/models"
)

const DefaultLookupTimeout = 5 * time.Second

// Directory looks users up by id.
type Directory interface {
	LookupUser(ctx context.Context, userID string) (models.Profile, error)
}

type Options struct {
	// LookupTimeout bounds one directory call.
	LookupTimeout time.Duration
	// ProfileTTL expires memoized profiles. Zero keeps them for the life of
	// the cache.
	ProfileTTL time.Duration
	// OnLookup receives every profile fetched from the directory.
	OnLookup func(models.Profile)
	Logger   *slog.Logger
}

// Cache memoizes profiles by user id. Concurrent misses for the same id share
// a single directory call; failures are not memoized.
type Cache struct {
	dir      Directory
	profiles geche.Geche[string, models.Profile]
	flight   singleflight.Group
	timeout  time.Duration
	onLookup func(models.Profile)
	log      *slog.Logger
}

// New creates a cache backed by dir. When opts.ProfileTTL is set the expiry
// sweeper runs until ctx is done.
func New(ctx context.Context, dir Directory, opts Options) *Cache {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var profiles geche.Geche[string, models.Profile]
	if opts.ProfileTTL > 0 {
		profiles = geche.NewMapTTLCache[string, models.Profile](ctx, opts.ProfileTTL, opts.ProfileTTL/2+time.Second)
	} else {
		profiles = geche.NewMapCache[string, models.Profile]()
	}

	return &Cache{
		dir:      dir,
		profiles: profiles,
		timeout:  opts.LookupTimeout,
		onLookup: opts.OnLookup,
		log:      opts.Logger.With("component", "senders"),
	}
}

// Seed stores a locally known profile, e.g. the authenticated user's own.
func (c *Cache) Seed(p models.Profile) {
	if p.ID == "" {
		return
	}
	c.profiles.Set(p.ID, content.SanitizeProfile(p))
}

// Cached returns the memoized profile of userID without a lookup.
func (c *Cache) Cached(userID string) (models.Profile, bool) {
	p, err := c.profiles.Get(userID)
	return p, err == nil
}

// Resolve returns s enriched with its profile. Already enriched senders pass
// through unchanged. When the lookup fails, or ctx ends before it settles,
// the bare sender comes back so display falls back to the id.
func (c *Cache) Resolve(ctx context.Context, s models.Sender) models.Sender {
	if s.Resolved() || s.ID == "" {
		return s
	}
	if p, ok := c.Cached(s.ID); ok {
		return models.ProfileSender(p)
	}

	// The shared call runs on its own deadline, not ctx.
	ch := c.flight.DoChan(s.ID, func() (any, error) {
		// A flight that just finished may have filled the cache.
		if p, ok := c.Cached(s.ID); ok {
			return p, nil
		}
		return c.lookup(s.ID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return s
		}
		return models.ProfileSender(res.Val.(models.Profile))
	case <-ctx.Done():
		return s
	}
}

func (c *Cache) lookup(userID string) (models.Profile, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	p, err := c.dir.LookupUser(ctx, userID)
	metrics.DirectoryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DirectoryLookups.WithLabelValues("error").Inc()
		c.log.Warn("sender lookup failed", "user_id", userID, "error", err)
		return models.Profile{}, err
	}
	metrics.DirectoryLookups.WithLabelValues("ok").Inc()

	if p.ID == "" {
		p.ID = userID
	}
	p = content.SanitizeProfile(p)
	c.profiles.Set(userID, p)
	if c.onLookup != nil {
		c.onLookup(p)
	}
	return p, nil
}
