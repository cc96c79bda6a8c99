package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/maxpert/ripple/transport"
	"github.com/maxpert/ripple/transport/push"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Watcher holds one push subscription and checks delivery order.
type Watcher struct {
	id      int
	config  *Config
	stats   *Stats
	lastSeq uint64
	seen    map[string]struct{}
}

func NewWatcher(id int, config *Config, stats *Stats) *Watcher {
	return &Watcher{
		id:     id,
		config: config,
		stats:  stats,
		seen:   make(map[string]struct{}),
	}
}

// Observe accounts for one delivered envelope
func (w *Watcher) Observe(env transport.Envelope, now time.Time) {
	if _, dup := w.seen[env.EventID]; dup {
		w.stats.RecordDuplicate()
		return
	}
	w.seen[env.EventID] = struct{}{}

	if env.SequenceNumber <= w.lastSeq {
		w.stats.RecordOutOfOrder()
	} else {
		w.lastSeq = env.SequenceNumber
	}
	w.stats.RecordEvent(now.Sub(env.Timestamp))
}

// Connect opens the stream, initializes it and subscribes
func (w *Watcher) Connect(ctx context.Context, cc *grpc.ClientConn) (*push.Client, error) {
	client, err := push.Dial(ctx, cc)
	if err != nil {
		return nil, err
	}

	params, err := json.Marshal(map[string]any{"token": w.config.PushToken})
	if err != nil {
		return nil, err
	}
	if err := client.Send(&push.Message{Type: push.MsgConnectionInit, Payload: params}); err != nil {
		return nil, err
	}
	if err := expect(client, push.MsgConnectionAck); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(push.SubscribePayload{
		Subscription: w.config.Subscription,
		Variables:    map[string]any{"min_amount": w.config.MinAmount},
		Shard:        w.config.Shard,
	})
	if err != nil {
		return nil, err
	}
	subID := fmt.Sprintf("watch-%d", w.id)
	if err := client.Send(&push.Message{ID: subID, Type: push.MsgSubscribe, Payload: payload}); err != nil {
		return nil, err
	}
	if err := expect(client, push.MsgSubscribeAck); err != nil {
		return nil, err
	}
	return client, nil
}

// Run reads frames until ctx ends or the stream breaks
func (w *Watcher) Run(ctx context.Context, client *push.Client, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		msg, err := client.Recv()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				w.stats.RecordStreamError()
			}
			return
		}

		switch msg.Type {
		case push.MsgNext:
			var env transport.Envelope
			if err := msg.Decode(&env); err != nil {
				w.stats.RecordStreamError()
				continue
			}
			w.Observe(env, time.Now())
		case push.MsgPing:
			_ = client.Send(&push.Message{Type: push.MsgPong})
		case push.MsgError, push.MsgComplete:
			w.stats.RecordStreamError()
			return
		}
	}
}

func expect(client *push.Client, typ push.MessageType) error {
	msg, err := client.Recv()
	if err != nil {
		return err
	}
	if msg.Type != typ {
		return fmt.Errorf("expected %s frame, got %s", typ, msg.Type)
	}
	return nil
}

// startWatchers subscribes every watcher before returning so no appended
// record is missed
func startWatchers(ctx context.Context, config *Config, stats *Stats, wg *sync.WaitGroup) (func(), error) {
	cc, err := grpc.NewClient(config.PushAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainStreamInterceptor(push.StreamClientInterceptorWithSecret(config.PushSecret)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create push client: %w", err)
	}

	for i := 0; i < config.Watchers; i++ {
		w := NewWatcher(i, config, stats)
		client, err := w.Connect(ctx, cc)
		if err != nil {
			cc.Close()
			return nil, fmt.Errorf("watcher %d: %w", i, err)
		}
		wg.Add(1)
		go w.Run(ctx, client, wg)
	}

	return func() { cc.Close() }, nil
}
