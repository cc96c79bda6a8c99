// Package pipeline assembles the event path for every configured shard:
// change log, poller, router, subscription matcher, fanout and the outbound
// webhook and stream subscriptions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/fanout"
	"github.com/maxpert/ripple/notify"
	"github.com/maxpert/ripple/poller"
	"github.com/maxpert/ripple/router"
	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/telemetry"
	"github.com/maxpert/ripple/transport"
	"github.com/maxpert/ripple/transport/stream"
	"github.com/maxpert/ripple/transport/webhook"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownShard = errors.New("pipeline: unknown shard")
	ErrRunning      = errors.New("pipeline: already running")
)

// outbound cursors are flushed at this interval and on Stop
const cursorInterval = time.Second

// Options carries everything not read from configuration. Stores, Sinks and
// Producers are keyed by shard or stream name and override what the
// configuration would open.
type Options struct {
	Catalog    *subscription.Catalog
	Stores     map[string]changelog.Store
	Sinks      map[string][]router.Sink
	Producers  map[string]stream.Producer
	HTTPClient *http.Client
}

type shard struct {
	config   cfg.ShardConfiguration
	store    changelog.Store
	router   *router.Router
	poller   *poller.Poller
	replayer *subscription.Replayer
	unwake   func()
}

// outbound is a configured webhook or stream bound to one subscription
type outbound struct {
	kind         string
	name         string
	subscription string
	variables    map[string]any
	auth         subscription.AuthContext
	adapter      transport.Adapter
	sub          *subscription.Active

	// catchingUp is set while history missed before the last stop is
	// delivered; the cursor stays where it was until that finishes
	catchingUp atomic.Bool
	saved      map[string]uint64 // last cursor written per shard
}

// cursorKey names the outbound's position in each shard's checkpoint table.
// The stored value is the first sequence not yet delivered or parked.
func (o *outbound) cursorKey() string {
	return "outbound/" + o.kind + "/" + o.name
}

// backlog is the history one outbound still owes on one shard
type backlog struct {
	shard   *shard
	after   uint64
	through uint64
}

// ShardInfo describes a shard for operators
type ShardInfo struct {
	Name       string             `json:"name"`
	Backend    cfg.StoreBackend   `json:"backend"`
	Checkpoint uint64             `json:"checkpoint"`
	Sinks      []router.SinkStats `json:"sinks"`
}

// Pipeline owns every long-running component
type Pipeline struct {
	config *cfg.Configuration

	hub         *notify.Hub
	registry    *subscription.Registry
	matcher     *subscription.Matcher
	broadcaster *fanout.Broadcaster
	sink        *fanout.Sink
	ledger      *webhook.Ledger
	archive     *webhook.StoreArchive

	shards   []*shard
	byName   map[string]*shard
	outbound []*outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errCh  chan error

	cursorMu     sync.Mutex
	cursorCancel context.CancelFunc
	cursorDone   chan struct{}

	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// New opens every store and builds the components without starting them
func New(ctx context.Context, config *cfg.Configuration, opts Options) (p *Pipeline, err error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("subscription catalog is required")
	}

	binder, err := subscription.NewBinder(config.Subscriptions.BindingCache)
	if err != nil {
		return nil, fmt.Errorf("failed to create binder: %w", err)
	}
	ledger, err := webhook.NewLedger(0)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery ledger: %w", err)
	}

	registry := subscription.NewRegistry(opts.Catalog, binder)
	pctx, cancel := context.WithCancel(context.Background())
	p = &Pipeline{
		config:   config,
		hub:      notify.NewHub(),
		registry: registry,
		matcher:  subscription.NewMatcher(registry),
		broadcaster: fanout.NewBroadcaster(fanout.Config{
			QueueSize:  config.Fanout.QueueSize,
			RetryBound: config.Fanout.RetryBound,
		}, registry),
		ledger: ledger,
		byName: make(map[string]*shard, len(config.Shards)),
		ctx:    pctx,
		cancel: cancel,
		errCh:  make(chan error, 1),
	}

	defer func() {
		if err != nil {
			p.closeAll()
		}
	}()

	p.sink = fanout.NewSink(p.matcher, p.broadcaster)
	for _, sc := range config.Shards {
		s, err := p.buildShard(ctx, sc, opts, p.sink)
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", sc.Name, err)
		}
		p.shards = append(p.shards, s)
		p.byName[sc.Name] = s
	}

	for _, wc := range config.Webhooks {
		adapter, err := webhook.NewAdapter(webhook.ConfigFrom(wc), opts.HTTPClient, ledger)
		if err != nil {
			return nil, err
		}
		p.outbound = append(p.outbound, &outbound{
			kind:         "webhook",
			name:         wc.Name,
			subscription: wc.Subscription,
			variables:    wc.Variables,
			auth:         subscription.AuthContext{Subject: wc.Subject, Roles: wc.Roles},
			adapter:      adapter,
		})
	}

	for _, sc := range config.Streams {
		adapter, err := newStreamAdapter(sc, opts.Producers[sc.Name])
		if err != nil {
			return nil, err
		}
		p.outbound = append(p.outbound, &outbound{
			kind:         "stream",
			name:         sc.Name,
			subscription: sc.Subscription,
			variables:    sc.Variables,
			auth:         subscription.AuthContext{Subject: sc.Subject, Roles: sc.Roles},
			adapter:      adapter,
		})
	}

	stores := make(map[string]changelog.Store, len(p.shards))
	for _, s := range p.shards {
		stores[s.config.Name] = s.store
	}
	p.archive = webhook.NewStoreArchive(stores)
	ledger.SetArchive(p.archive)
	if err := p.restoreFailures(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

// restoreFailures loads webhook deliveries parked by an earlier run so
// operators can still list and retry them
func (p *Pipeline) restoreFailures(ctx context.Context) error {
	parked, err := p.archive.Load(ctx, p.Shards())
	if err != nil {
		return fmt.Errorf("failed to load parked deliveries: %w", err)
	}

	owners := make(map[string]*webhook.Adapter)
	for _, o := range p.outbound {
		if wa, ok := o.adapter.(*webhook.Adapter); ok {
			owners[wa.Endpoint()] = wa
		}
	}

	restored := 0
	for _, pd := range parked {
		owner, ok := owners[pd.Attempt.Endpoint]
		if !ok {
			log.Warn().
				Str("endpoint", pd.Attempt.Endpoint).
				Str("key", pd.Attempt.Key).
				Msg("Parked delivery for an unconfigured webhook left in store")
			continue
		}
		p.ledger.Restore(owner, pd.Attempt, pd.Event)
		restored++
	}

	if restored > 0 {
		log.Info().Int("deliveries", restored).Msg("Restored failed webhook deliveries")
	}
	return nil
}

func newStreamAdapter(sc cfg.StreamConfiguration, producer stream.Producer) (*stream.Adapter, error) {
	config, err := stream.ConfigFrom(sc)
	if err != nil {
		return nil, err
	}
	if producer == nil {
		if producer, err = stream.NewProducer(sc); err != nil {
			return nil, fmt.Errorf("stream %s: %w", sc.Name, err)
		}
	}
	adapter, err := stream.NewAdapter(config, producer)
	if err != nil {
		producer.Close()
		return nil, err
	}
	return adapter, nil
}

func (p *Pipeline) buildShard(ctx context.Context, sc cfg.ShardConfiguration, opts Options, fanoutSink *fanout.Sink) (*shard, error) {
	store, ok := opts.Stores[sc.Name]
	if !ok {
		var err error
		if store, err = openStore(ctx, sc, p.config.DataDir); err != nil {
			return nil, err
		}
	}

	s := &shard{
		config:   sc,
		store:    store,
		router:   router.New(router.Config{Shard: sc.Name, QueueSize: p.config.Router.QueueSize}),
		replayer: subscription.NewReplayer(sc.Name, store, p.config.Subscriptions.ReplayPageSize),
	}

	sinks := append([]router.Sink{fanoutSink}, opts.Sinks[sc.Name]...)
	for _, sink := range sinks {
		if err := s.router.Register(sink); err != nil {
			store.Close()
			return nil, err
		}
	}

	wake, unwake := p.hub.Subscribe(notify.Filter{Shards: []string{sc.Name}})
	pl, err := poller.New(ctx, poller.Config{
		Shard:           sc.Name,
		Store:           store,
		Dispatcher:      s.router,
		Wake:            wake,
		BatchSize:       sc.BatchSize,
		PollInterval:    sc.PollInterval(),
		RetryInitial:    time.Duration(p.config.Poller.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(p.config.Poller.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: p.config.Poller.RetryMultiplier,
	})
	if err != nil {
		unwake()
		store.Close()
		return nil, err
	}
	s.poller = pl
	s.unwake = unwake
	return s, nil
}

// Start subscribes outbound transports, then starts routers and pollers.
// An outbound subscription that stopped with undelivered events resumes
// from its cursor: history is delivered first while live events are held.
func (p *Pipeline) Start() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return ErrRunning
	}

	pending := make(map[*outbound][]backlog)
	for _, o := range p.outbound {
		history, err := p.resumePoints(o)
		if err != nil {
			p.unsubscribeOutbound()
			return fmt.Errorf("%s %s: %w", o.kind, o.name, err)
		}

		sub, err := p.registry.Subscribe(subscription.Request{
			Definition:   o.subscription,
			ClientID:     o.name,
			ConnectionID: o.kind + ":" + o.name,
			Auth:         o.auth,
			Variables:    o.variables,
		}, p.broadcaster.AttachFunc(o.adapter, fanout.AttachOptions{Hold: len(history) > 0}))
		if err != nil {
			p.unsubscribeOutbound()
			return fmt.Errorf("%s %s: %w", o.kind, o.name, err)
		}
		o.sub = sub
		if wa, ok := o.adapter.(*webhook.Adapter); ok {
			wa.Bind(sub)
		}
		if len(history) > 0 {
			pending[o] = history
		}
		log.Info().
			Str("kind", o.kind).
			Str("name", o.name).
			Str("subscription", o.subscription).
			Str("id", sub.ID).
			Int("catch_up_shards", len(history)).
			Msg("Outbound subscription active")
	}

	for o, history := range pending {
		o.catchingUp.Store(true)
		p.wg.Add(1)
		go p.catchUp(o, o.sub, history)
	}

	for _, s := range p.shards {
		p.sink.Resume(s.config.Name, s.poller.Checkpoint())
		s.router.Start()
		s.poller.Start()

		p.wg.Add(1)
		go p.watch(s)

		if pg, ok := s.store.(*changelog.PostgresStore); ok && s.config.ListenChannel != "" {
			p.wg.Add(1)
			go p.listen(pg, s.config)
		}
	}

	cctx, cancel := context.WithCancel(p.ctx)
	p.cursorCancel = cancel
	p.cursorDone = make(chan struct{})
	go p.flushCursors(cctx, p.cursorDone)

	p.running.Store(true)
	log.Info().Int("shards", len(p.shards)).Int("outbound", len(p.outbound)).Msg("Pipeline started")
	return nil
}

// resumePoints reads an outbound's cursor on every shard and returns the
// ranges it still owes. Pollers have not started, so each range ends at the
// shard checkpoint and live events all come after it.
func (p *Pipeline) resumePoints(o *outbound) ([]backlog, error) {
	o.saved = make(map[string]uint64, len(p.shards))

	var out []backlog
	for _, s := range p.shards {
		next, err := s.store.GetCheckpoint(p.ctx, o.cursorKey())
		if err != nil {
			return nil, fmt.Errorf("shard %s: failed to read outbound cursor: %w", s.config.Name, err)
		}
		if next == 0 {
			continue // never ran; start from live events
		}
		o.saved[s.config.Name] = next

		if checkpoint := s.poller.Checkpoint(); next <= checkpoint {
			out = append(out, backlog{shard: s, after: next - 1, through: checkpoint})
		}
	}
	return out, nil
}

// catchUp delivers the history an outbound subscription missed, then
// releases the live events held behind it
func (p *Pipeline) catchUp(o *outbound, sub *subscription.Active, history []backlog) {
	defer p.wg.Done()

	for _, h := range history {
		delivered := 0
		_, err := h.shard.replayer.ReplayThrough(p.ctx, sub, h.after, h.through, func(ev subscription.Event) error {
			res := o.adapter.Deliver(p.ctx, sub, ev)
			if err := p.ctx.Err(); err != nil {
				return err
			}
			switch res.Status {
			case transport.StatusDelivered:
				sub.MarkDelivered(ev.Shard, ev.Sequence)
				delivered++
			case transport.StatusClosed:
				return fmt.Errorf("%s %s closed during catch-up: %w", o.kind, o.name, res.Err)
			}
			// failed events were already recorded by the adapter
			return nil
		})
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			// the cursor stays put, so the next start tries this range again
			log.Error().
				Err(err).
				Str("name", o.name).
				Str("shard", h.shard.config.Name).
				Msg("Outbound catch-up failed, resuming live delivery")
			p.broadcaster.Release(sub.ID, 0)
			return
		}

		log.Info().
			Str("kind", o.kind).
			Str("name", o.name).
			Str("shard", h.shard.config.Name).
			Uint64("from_seq", h.after).
			Uint64("through_seq", h.through).
			Int("delivered", delivered).
			Msg("Outbound catch-up finished")
	}

	p.broadcaster.Release(sub.ID, 0)
	o.catchingUp.Store(false)
}

func (p *Pipeline) flushCursors(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(cursorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.saveCursors(ctx)
		}
	}
}

func (p *Pipeline) stopCursors() {
	if p.cursorCancel == nil {
		return
	}
	p.cursorCancel()
	<-p.cursorDone
	p.cursorCancel = nil
}

// saveCursors writes, per shard, the first sequence each outbound
// subscription has neither delivered nor parked. Everything the fanout sink
// consumed is either settled or still pending in the queue.
func (p *Pipeline) saveCursors(ctx context.Context) {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()

	for _, o := range p.outbound {
		if o.sub == nil || o.catchingUp.Load() {
			continue
		}
		for _, s := range p.shards {
			name := s.config.Name
			next := p.sink.Consumed(name) + 1
			if low, ok := p.broadcaster.Pending(o.sub.ID, name); ok && low < next {
				next = low
			}
			if o.saved[name] == next {
				continue
			}
			if err := s.store.SetCheckpoint(ctx, o.cursorKey(), next); err != nil {
				log.Warn().Err(err).Str("name", o.name).Str("shard", name).Msg("Failed to save outbound cursor")
				continue
			}
			o.saved[name] = next
		}
	}
}

// watch reports a poller that stopped on its own with a fatal error
func (p *Pipeline) watch(s *shard) {
	defer p.wg.Done()

	select {
	case <-p.ctx.Done():
	case <-s.poller.Done():
		if err := s.poller.Err(); err != nil {
			log.Error().Err(err).Str("shard", s.config.Name).Msg("Poller stopped on fatal error")
			select {
			case p.errCh <- fmt.Errorf("shard %s: %w", s.config.Name, err):
			default:
			}
		}
	}
}

func (p *Pipeline) listen(pg *changelog.PostgresStore, sc cfg.ShardConfiguration) {
	defer p.wg.Done()

	for p.ctx.Err() == nil {
		err := pg.Listen(p.ctx, sc.ListenChannel, p.hub, sc.Name)
		if err == nil || p.ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("shard", sc.Name).Msg("Change log listener failed, polling only until it reconnects")
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(sc.PollInterval() * 10):
		}
	}
}

// Wait blocks until ctx is done or a poller fails fatally. A fatal error
// needs an operator; the caller is expected to Stop and exit.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-p.errCh:
		return err
	}
}

// Stop drains in order: pollers stop reading, routers flush queued batches
// into subscription queues, outbound cursors are saved, then subscription
// queues are dropped. Events still queued for an outbound subscription are
// delivered by the next Start.
func (p *Pipeline) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Swap(false) {
		p.closeAll()
		return
	}

	log.Info().Msg("Stopping pipeline")
	for _, s := range p.shards {
		s.poller.Stop()
	}
	for _, s := range p.shards {
		s.router.Stop()
	}
	p.stopCursors()
	p.saveCursors(context.Background())
	p.unsubscribeOutbound()
	p.closeAll()
	log.Info().Msg("Pipeline stopped")
}

func (p *Pipeline) unsubscribeOutbound() {
	for _, o := range p.outbound {
		if o.sub != nil {
			p.registry.Remove(o.sub.ID, subscription.ReasonUnsubscribe)
			o.sub = nil
		}
	}
}

func (p *Pipeline) closeAll() {
	p.stopCursors()
	p.cancel()
	p.wg.Wait()
	p.broadcaster.Close()

	for _, o := range p.outbound {
		if err := o.adapter.Close(); err != nil {
			log.Warn().Err(err).Str("name", o.name).Msg("Failed to close outbound adapter")
		}
	}
	p.outbound = nil

	for _, s := range p.shards {
		s.unwake()
		if err := s.store.Close(); err != nil && !errors.Is(err, changelog.ErrClosed) {
			log.Warn().Err(err).Str("shard", s.config.Name).Msg("Failed to close change log")
		}
	}
	p.shards = nil
}

// Append writes records to a shard's log and wakes its poller. It is the
// write path for embedded mutation engines.
func (p *Pipeline) Append(ctx context.Context, shardName string, records []changelog.ChangeRecord) error {
	s, ok := p.byName[shardName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownShard, shardName)
	}
	if err := s.store.Append(ctx, records); err != nil {
		return err
	}
	if n := len(records); n > 0 {
		p.hub.Signal(shardName, records[n-1].Sequence)
	}
	return nil
}

// Replay re-enqueues history after a sequence for an existing subscription.
// Replayed events queue behind live ones; consumers deduplicate by event id.
func (p *Pipeline) Replay(ctx context.Context, id, shardName string, after uint64) (int, uint64, error) {
	sub, ok := p.registry.Get(id)
	if !ok {
		return 0, 0, subscription.Errorf(subscription.CodeNotFound, "subscription %s not found", id)
	}

	if shardName == "" {
		shardName = sub.Shard
	}
	if shardName == "" {
		if len(p.shards) != 1 {
			return 0, 0, subscription.Errorf(subscription.CodeInvalidVariables, "replay needs a shard")
		}
		shardName = p.shards[0].config.Name
	}
	r, ok := p.Replayer(shardName)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownShard, shardName)
	}

	count := 0
	last, err := r.Replay(ctx, sub, after, func(ev subscription.Event) error {
		if !p.broadcaster.Enqueue(subscription.Match{Subscription: sub, Event: ev}) {
			return subscription.Errorf(subscription.CodeBufferOverflow, "queue for %s rejected replayed event %s", id, ev.EventID)
		}
		count++
		return nil
	})
	return count, last, err
}

func (p *Pipeline) Registry() *subscription.Registry {
	return p.registry
}

func (p *Pipeline) Broadcaster() *fanout.Broadcaster {
	return p.broadcaster
}

// Deliveries returns the webhook delivery ledger
func (p *Pipeline) Deliveries() *webhook.Ledger {
	return p.ledger
}

// Replayer returns the replayer for a shard
func (p *Pipeline) Replayer(name string) (*subscription.Replayer, bool) {
	s, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return s.replayer, true
}

// Shards returns shard names, sorted
func (p *Pipeline) Shards() []string {
	names := make([]string, 0, len(p.byName))
	for _, s := range p.shardList() {
		names = append(names, s.config.Name)
	}
	return names
}

func (p *Pipeline) shardList() []*shard {
	out := make([]*shard, 0, len(p.byName))
	for _, s := range p.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].config.Name < out[j].config.Name })
	return out
}

// ShardInfo describes every shard
func (p *Pipeline) ShardInfo() []ShardInfo {
	var out []ShardInfo
	for _, s := range p.shardList() {
		out = append(out, ShardInfo{
			Name:       s.config.Name,
			Backend:    s.config.Backend,
			Checkpoint: s.poller.Checkpoint(),
			Sinks:      s.router.Stats(),
		})
	}
	return out
}

// ShardStats implements telemetry.StatsProvider
func (p *Pipeline) ShardStats() []telemetry.ShardStats {
	var out []telemetry.ShardStats
	for _, s := range p.shardList() {
		depth := make(map[string]int)
		for _, st := range s.router.Stats() {
			depth[st.Name] = st.Depth
		}
		out = append(out, telemetry.ShardStats{
			Name:       s.config.Name,
			Checkpoint: s.poller.Checkpoint(),
			SinkDepth:  depth,
		})
	}
	return out
}

func (p *Pipeline) ActiveSubscriptions() int {
	return p.registry.Count()
}

func (p *Pipeline) QueuedEvents() int {
	return p.broadcaster.QueuedEvents()
}
