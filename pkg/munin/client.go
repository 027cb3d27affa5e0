// Package munin is the embedding API for the sync core. It wires the
// node store, persistence coordinator, hierarchy cache, durable
// transport and optional push feed into one client with a small
// convenience surface for the common note operations.
//
// Example:
//
//	cfg := config.LoadDefaults()
//	client, err := munin.Open(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	note, _ := client.Create("", "note", "hello")
//	client.Edit(note.ID, "hello, world")
package munin

import (
	"context"
	"fmt"
	"log"

	"github.com/orneryd/munin/pkg/config"
	"github.com/orneryd/munin/pkg/hierarchy"
	"github.com/orneryd/munin/pkg/persist"
	"github.com/orneryd/munin/pkg/push"
	"github.com/orneryd/munin/pkg/store"
	"github.com/orneryd/munin/pkg/transport"
)

// Client owns the assembled sync core.
type Client struct {
	cfg       *config.Config
	transport store.Transport
	coord     *persist.Coordinator
	store     *store.NodeStore
	cache     *hierarchy.Cache

	feed       *push.Feed
	feedCancel context.CancelFunc
	feedDone   chan struct{}

	unsubscribe func()
}

// Stats aggregates the observable counters of all components.
type Stats struct {
	Updates         int64
	Conflicts       int64
	Rollbacks       int64
	PendingUpdates  int
	ActiveBatches   int
	PendingWrites   int
	WriteFailures   int64
	AvgWriteLatency float64
	MaxWriteLatency float64
	CacheHitRatio   float64
}

// Open builds a client from the config. An empty DataDir selects the
// in-memory transport; anything else opens an embedded BadgerDB there.
func Open(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var t store.Transport
	if cfg.Database.DataDir == "" {
		t = store.NewMemoryTransport()
	} else {
		bt, err := transport.NewBadgerTransport(transport.BadgerOptions{
			DataDir: cfg.Database.DataDir,
		})
		if err != nil {
			return nil, err
		}
		t = bt
	}

	coord := persist.NewCoordinator(&persist.Config{
		DebounceWindow: cfg.Sync.DebounceWindow,
		FlushTimeout:   cfg.Sync.FlushTimeout,
	})
	st := store.NewNodeStore(t, coord, &store.StoreConfig{
		ConflictWindow:   cfg.Sync.ConflictWindow,
		BatchIdleTimeout: cfg.Sync.BatchIdleTimeout,
	})

	cache := hierarchy.New(st, hierarchy.TransportSource(t))
	unsubscribe := st.Subscribe(store.Wildcard, cache.HandleEvent)

	c := &Client{
		cfg:         cfg,
		transport:   t,
		coord:       coord,
		store:       st,
		cache:       cache,
		unsubscribe: unsubscribe,
	}

	if cfg.Push.Enabled {
		if err := c.startFeed(cfg.Push.URL); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) startFeed(url string) error {
	ctx, cancel := context.WithCancel(context.Background())
	feed, err := push.Dial(ctx, url, c.store)
	if err != nil {
		cancel()
		return err
	}
	c.feed = feed
	c.feedCancel = cancel
	c.feedDone = make(chan struct{})
	go func() {
		defer close(c.feedDone)
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("munin: change feed stopped: %v", err)
		}
	}()
	return nil
}

// Store exposes the node store for operations the convenience surface
// does not cover (batches, subscriptions, remote events).
func (c *Client) Store() *store.NodeStore { return c.store }

// Hierarchy exposes the derived-structure cache.
func (c *Client) Hierarchy() *hierarchy.Cache { return c.cache }

// nextSiblingOrder places a node after the current last child of
// parentID, counting both durable children and in-memory ones whose
// debounced creates have not flushed yet.
func (c *Client) nextSiblingOrder(ctx context.Context, parentID string) (float64, error) {
	last := 0.0
	if kids := c.store.ChildrenOf(parentID); len(kids) > 0 {
		last = kids[len(kids)-1].OrderKey
	}
	siblings, err := c.transport.ListChildren(ctx, parentID)
	if err != nil {
		return 0, err
	}
	if n := len(siblings); n > 0 && siblings[n-1].OrderKey > last {
		last = siblings[n-1].OrderKey
	}
	return last + 1, nil
}

// Create adds a node under parentID ("" for a root), placed after the
// current last sibling, and schedules its durable write immediately.
func (c *Client) Create(parentID, nodeType, content string) (*store.Node, error) {
	order, err := c.nextSiblingOrder(context.Background(), parentID)
	if err != nil {
		return nil, err
	}
	node := &store.Node{
		ID:       store.NewNodeID(),
		Type:     nodeType,
		Content:  content,
		ParentID: parentID,
		OrderKey: order,
	}
	if _, err := c.store.Set(node, store.SourceLocal, false); err != nil {
		return nil, err
	}
	return node, nil
}

// Edit replaces a node's content. The change is visible immediately;
// the durable write is debounced so rapid edits coalesce.
func (c *Client) Edit(id, content string) error {
	_, err := c.store.Update(id, store.Changes{store.FieldContent: content}, store.SourceLocal, nil)
	return err
}

// Move reparents a node and places it after newParent's current last
// child.
func (c *Client) Move(id, newParentID string) error {
	order, err := c.nextSiblingOrder(context.Background(), newParentID)
	if err != nil {
		return err
	}
	_, err = c.store.Update(id, store.Changes{
		store.FieldParent:   newParentID,
		store.FieldOrderKey: order,
	}, store.SourceLocal, nil)
	return err
}

// Delete removes a node. The removal is visible immediately and
// persisted without debouncing.
func (c *Client) Delete(id string) error {
	_, err := c.store.Delete(id, store.SourceLocal, false, nil)
	return err
}

// Flush forces all scheduled writes through and waits up to the
// configured flush timeout. It returns the IDs of nodes whose write
// failed or timed out.
func (c *Client) Flush() []string {
	return c.coord.FlushAll(nil, c.cfg.Sync.FlushTimeout)
}

// Stats snapshots the counters across store, coordinator and cache.
func (c *Client) Stats() Stats {
	sm := c.store.Metrics()
	cm := c.coord.Metrics()
	return Stats{
		Updates:         sm.Updates,
		Conflicts:       sm.Conflicts,
		Rollbacks:       sm.Rollbacks,
		PendingUpdates:  sm.PendingUpdates,
		ActiveBatches:   sm.ActiveBatches,
		PendingWrites:   c.coord.PendingCount(),
		WriteFailures:   cm.Failures,
		AvgWriteLatency: cm.AvgLatency.Seconds(),
		MaxWriteLatency: cm.MaxLatency.Seconds(),
		CacheHitRatio:   c.cache.HitRatio(),
	}
}

// Close flushes outstanding writes and tears the client down. Writes
// that miss the flush timeout are logged and abandoned.
func (c *Client) Close() error {
	if c.feedCancel != nil {
		c.feedCancel()
		c.feed.Close()
		<-c.feedDone
		c.feedCancel = nil
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if failed := c.coord.FlushAll(nil, c.cfg.Sync.FlushTimeout); len(failed) > 0 {
		log.Printf("munin: %d write(s) unfinished at close: %v", len(failed), failed)
	}
	if err := c.coord.Close(); err != nil {
		log.Printf("munin: coordinator close: %v", err)
	}
	if err := c.store.Close(); err != nil {
		log.Printf("munin: store close: %v", err)
	}
	return c.transport.Close()
}
