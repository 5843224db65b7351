// Package coordinator turns the Sybil node's raw announce stream into
// completed metadata: it deduplicates infohashes, fans each new one out
// to a bounded set of peers, and persists the first successful fetch
// while cancelling the rest.
package coordinator

import (
	"context"
	"sync"

	"github.com/dhtcrawler/crawld/internal/clog"
	"github.com/dhtcrawler/crawld/internal/fetcher"
	"github.com/dhtcrawler/crawld/internal/krpc"
	"github.com/dhtcrawler/crawld/internal/store"
	"github.com/dhtcrawler/crawld/internal/sybil"
)

// MaxActivePeersPerInfoHash bounds how many concurrent fetch jobs a
// single infohash may have in flight at once.
const MaxActivePeersPerInfoHash = 5

// Fetch abstracts fetcher.Fetch so tests can substitute a fake.
type Fetch func(ctx context.Context, peer krpc.Endpoint, infoHash krpc.ID, cfg fetcher.Config) ([]byte, error)

// Config configures a Coordinator.
type Config struct {
	MaxActivePeers int
	FetcherConfig  fetcher.Config
}

// Coordinator owns the completed-infohash dedup set and the per-infohash
// fetch groups.
type Coordinator struct {
	cfg   Config
	log   clog.Logger
	store store.Store
	fetch Fetch

	mu        sync.Mutex
	completed map[krpc.ID]struct{}
	groups    map[krpc.ID]*group
}

// group tracks the in-flight fetch attempts for one infohash: up to
// MaxActivePeersPerInfoHash peers race, the first success wins, and a
// winner-set-once flag makes sure persistence.Add is called exactly once
// per infohash lifetime even if more than one peer finishes around the
// same time.
type group struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	winnerOnce sync.Once
	won        bool
	live       int
	slots      chan struct{}
}

// New builds a Coordinator seeded with the store's already-completed set.
func New(cfg Config, log clog.Logger, st store.Store, fetch Fetch) (*Coordinator, error) {
	if log == nil {
		log = clog.Nop
	}
	if cfg.MaxActivePeers <= 0 {
		cfg.MaxActivePeers = MaxActivePeersPerInfoHash
	}
	if cfg.FetcherConfig.Log == nil {
		cfg.FetcherConfig.Log = log.Named("fetcher")
	}
	if fetch == nil {
		fetch = fetcher.Fetch
	}
	c := &Coordinator{
		cfg:       cfg,
		log:       log.Named("coordinator"),
		store:     st,
		fetch:     fetch,
		completed: make(map[krpc.ID]struct{}),
		groups:    make(map[krpc.ID]*group),
	}
	seed, err := st.CompletedInfoHashes()
	if err != nil {
		return nil, err
	}
	for _, ih := range seed {
		c.completed[ih] = struct{}{}
	}
	return c, nil
}

// Run consumes announcements until ctx is cancelled or the channel
// closes, dispatching each to HandleAnnouncement.
func (c *Coordinator) Run(ctx context.Context, announcements <-chan sybil.Announcement) {
	for {
		select {
		case <-ctx.Done():
			c.shutdownGroups()
			return
		case a, ok := <-announcements:
			if !ok {
				c.shutdownGroups()
				return
			}
			c.HandleAnnouncement(ctx, a)
		}
	}
}

// HandleAnnouncement dedups a.InfoHash against the completed set and
// in-flight groups, then — if it's genuinely new — starts or joins a
// fetch group and launches a bounded fetch job against a.Peer.
func (c *Coordinator) HandleAnnouncement(ctx context.Context, a sybil.Announcement) {
	c.mu.Lock()
	if _, done := c.completed[a.InfoHash]; done {
		c.mu.Unlock()
		return
	}
	g, exists := c.groups[a.InfoHash]
	if !exists {
		groupCtx, cancel := context.WithCancel(ctx)
		g = &group{ctx: groupCtx, cancel: cancel, slots: make(chan struct{}, c.cfg.MaxActivePeers)}
		c.groups[a.InfoHash] = g
	}
	c.mu.Unlock()

	select {
	case g.slots <- struct{}{}:
	default:
		return // already at MaxActivePeersPerInfoHash live jobs, drop this peer
	}

	c.mu.Lock()
	g.live++
	c.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() { <-g.slots }()
		c.fetchOne(g.ctx, a.InfoHash, a.Peer, g)
	}()
}

func (c *Coordinator) fetchOne(ctx context.Context, ih krpc.ID, peer krpc.Endpoint, g *group) {
	metadata, err := c.fetch(ctx, peer, ih, c.cfg.FetcherConfig)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Debugf("coordinator: fetch of %s from %v failed: %v", ih, peer, err)
		}
		c.noteJobDone(ih, g)
		return
	}

	g.winnerOnce.Do(func() {
		ok, err := c.store.Add(ih, metadata)
		if err != nil {
			c.log.Errorf("coordinator: persisting %s failed: %v", ih, err)
			return
		}
		if !ok {
			c.log.Debugf("coordinator: %s fetched but failed validation, marking completed anyway", ih)
		} else {
			c.log.Infof("coordinator: completed %s via %v", ih, peer)
		}
		c.mu.Lock()
		c.completed[ih] = struct{}{}
		delete(c.groups, ih)
		g.won = true
		c.mu.Unlock()
		g.cancel()
	})
}

// noteJobDone drops the group once every peer that was ever admitted to
// it has finished without a winner emerging, so a later announcement for
// the same infohash starts a fresh group instead of being silently
// absorbed into a dead one.
func (c *Coordinator) noteJobDone(ih krpc.ID, g *group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g.live--
	if !g.won && g.live == 0 && c.groups[ih] == g {
		delete(c.groups, ih)
		g.cancel()
	}
}

func (c *Coordinator) shutdownGroups() {
	c.mu.Lock()
	groups := make([]*group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()
	for _, g := range groups {
		g.cancel()
	}
	for _, g := range groups {
		g.wg.Wait()
	}
}

// Completed reports whether ih has already been fetched (or marked
// permanently corrupt) this process.
func (c *Coordinator) Completed(ih krpc.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.completed[ih]
	return ok
}
