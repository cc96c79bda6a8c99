package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/ripple/fanout"
	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/telemetry"
	"github.com/maxpert/ripple/transport"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	AdapterName = "push"

	defaultInitTimeout = 3 * time.Second
	defaultSendBuffer  = 256
)

// FrameConn is one physical connection carrying frames
type FrameConn interface {
	Context() context.Context
	Send(*Message) error
	Recv() (*Message, error)
}

// ReplaySource finds the replayer for a shard
type ReplaySource interface {
	Replayer(shard string) (*subscription.Replayer, bool)
	Shards() []string
}

// Config controls session behaviour
type Config struct {
	InitTimeout time.Duration
	Keepalive   time.Duration // server pings at this interval, zero disables
	SendBuffer  int
}

// Session serves one connection. It is the transport adapter for every
// subscription opened on it.
type Session struct {
	id          string
	conn        FrameConn
	config      Config
	registry    *subscription.Registry
	broadcaster *fanout.Broadcaster
	replays     ReplaySource
	auth        Authenticator

	ctx    context.Context
	cancel context.CancelFunc
	out    chan *Message
	wg     sync.WaitGroup

	identity    subscription.AuthContext
	initialized bool

	mu   sync.Mutex
	subs map[string]*subscription.Active // client id -> subscription
}

func newSession(conn FrameConn, config Config, registry *subscription.Registry, broadcaster *fanout.Broadcaster, replays ReplaySource, auth Authenticator) *Session {
	if config.InitTimeout <= 0 {
		config.InitTimeout = defaultInitTimeout
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}

	ctx, cancel := context.WithCancel(conn.Context())
	return &Session{
		id:          uuid.NewString(),
		conn:        conn,
		config:      config,
		registry:    registry,
		broadcaster: broadcaster,
		replays:     replays,
		auth:        auth,
		ctx:         ctx,
		cancel:      cancel,
		out:         make(chan *Message, config.SendBuffer),
		subs:        make(map[string]*subscription.Active),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Name() string {
	return AdapterName
}

func (s *Session) Policy() transport.Policy {
	return transport.DropOldest
}

// Deliver queues a next frame for the session writer
func (s *Session) Deliver(ctx context.Context, sub *subscription.Active, ev subscription.Event) transport.Result {
	msg, err := NextMessage(sub.ClientID, ev)
	if err != nil {
		return transport.Failed(1, err)
	}

	select {
	case s.out <- msg:
		return transport.Delivered(1)
	case <-ctx.Done():
		return transport.Closed(ctx.Err())
	case <-s.ctx.Done():
		return transport.Closed(s.ctx.Err())
	}
}

// SendError ends one subscription with an error frame
func (s *Session) SendError(sub *subscription.Active, err *subscription.Error) {
	s.forget(sub)
	s.send(ErrorMessage(sub.ClientID, err))
}

// SendComplete tells the client the server ended a subscription
func (s *Session) SendComplete(sub *subscription.Active) {
	s.forget(sub)
	s.send(&Message{ID: sub.ClientID, Type: MsgComplete})
}

func (s *Session) Close() error {
	s.cancel()
	return nil
}

func (s *Session) forget(sub *subscription.Active) {
	s.mu.Lock()
	if cur, ok := s.subs[sub.ClientID]; ok && cur == sub {
		delete(s.subs, sub.ClientID)
	}
	s.mu.Unlock()
}

func (s *Session) send(msg *Message) bool {
	select {
	case s.out <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Run serves the connection until the client goes away or breaks the
// protocol. The returned error carries a gRPC status for protocol errors.
func (s *Session) Run() error {
	telemetry.PushConnections.Inc()
	defer telemetry.PushConnections.Dec()

	log.Debug().Str("session", s.id).Msg("Push session opened")

	s.wg.Add(1)
	go s.writeLoop()

	incoming := make(chan *Message)
	readErr := make(chan error, 1)
	go s.readLoop(incoming, readErr)

	err := s.serve(incoming, readErr)

	s.registry.UnsubscribeConnection(s.id, subscription.ReasonTransportClosed)
	s.cancel()
	s.wg.Wait()

	log.Debug().Str("session", s.id).Err(err).Msg("Push session closed")
	return err
}

func (s *Session) readLoop(incoming chan<- *Message, readErr chan<- error) {
	for {
		msg, err := s.conn.Recv()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case incoming <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	var keepalive <-chan time.Time
	if s.config.Keepalive > 0 {
		ticker := time.NewTicker(s.config.Keepalive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case msg := <-s.out:
			if err := s.conn.Send(msg); err != nil {
				log.Debug().Err(err).Str("session", s.id).Msg("Push send failed")
				s.cancel()
				return
			}
		case <-keepalive:
			if err := s.conn.Send(&Message{Type: MsgPing}); err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) serve(incoming <-chan *Message, readErr <-chan error) error {
	initTimer := time.NewTimer(s.config.InitTimeout)
	defer initTimer.Stop()

	for {
		select {
		case msg := <-incoming:
			if err := s.handle(msg); err != nil {
				return err
			}
			if s.initialized {
				initTimer.Stop()
			}
		case err := <-readErr:
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		case <-initTimer.C:
			if !s.initialized {
				return status.Error(codes.DeadlineExceeded, "connection initialisation timeout")
			}
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Session) handle(msg *Message) error {
	if !s.initialized && msg.Type != MsgConnectionInit && msg.Type != MsgPing {
		return status.Errorf(codes.Unauthenticated, "%s before connection_init", msg.Type)
	}

	switch msg.Type {
	case MsgConnectionInit:
		return s.handleInit(msg)
	case MsgSubscribe:
		return s.handleSubscribe(msg)
	case MsgComplete:
		s.handleComplete(msg.ID)
		return nil
	case MsgPing:
		s.send(&Message{Type: MsgPong})
		return nil
	case MsgPong:
		return nil
	}
	return status.Errorf(codes.InvalidArgument, "unexpected frame type %q", msg.Type)
}

func (s *Session) handleInit(msg *Message) error {
	if s.initialized {
		return status.Error(codes.AlreadyExists, "too many initialisation requests")
	}

	params := map[string]any{}
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&params); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid connection_init payload: %v", err)
		}
	}

	identity, err := s.auth.Authenticate(s.ctx, params)
	if err != nil {
		return status.Errorf(codes.PermissionDenied, "forbidden: %v", err)
	}

	s.identity = identity
	s.initialized = true
	s.send(&Message{Type: MsgConnectionAck})
	log.Debug().Str("session", s.id).Str("subject", identity.Subject).Msg("Push session acknowledged")
	return nil
}

func (s *Session) handleSubscribe(msg *Message) error {
	if msg.ID == "" {
		return status.Error(codes.InvalidArgument, "subscribe without id")
	}

	var payload SubscribePayload
	if err := msg.Decode(&payload); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid subscribe payload: %v", err)
	}

	shard, replayer, shardErr := s.replayerFor(payload.Shard)
	if shardErr != nil {
		s.send(ErrorMessage(msg.ID, shardErr))
		return nil
	}
	if payload.FromSequence == nil {
		replayer = nil
	}

	sub, err := s.registry.Subscribe(subscription.Request{
		Definition:   payload.Subscription,
		ClientID:     msg.ID,
		ConnectionID: s.id,
		Shard:        shard,
		Auth:         s.identity,
		Variables:    payload.Variables,
	}, s.broadcaster.AttachFunc(s, fanout.AttachOptions{Hold: replayer != nil}))
	if err != nil {
		s.send(ErrorMessage(msg.ID, subscription.AsError(err)))
		return nil
	}

	s.mu.Lock()
	s.subs[msg.ID] = sub
	s.mu.Unlock()

	ack, encErr := newMessage(msg.ID, MsgSubscribeAck, SubscribeAckPayload{SubscriptionID: sub.ID})
	if encErr != nil {
		return status.Error(codes.Internal, encErr.Error())
	}
	s.send(ack)

	if replayer != nil {
		s.wg.Add(1)
		go s.replay(sub, replayer, *payload.FromSequence)
	}
	return nil
}

// replayerFor pins a subscription to one shard. Sequences are only ordered
// within a shard, so the shard may be left out only when there is one.
func (s *Session) replayerFor(shard string) (string, *subscription.Replayer, *subscription.Error) {
	if shard == "" {
		shards := s.replays.Shards()
		if len(shards) != 1 {
			return "", nil, subscription.Errorf(subscription.CodeInvalidVariables,
				"subscribe requires a shard when %d shards are configured", len(shards))
		}
		shard = shards[0]
	}

	r, ok := s.replays.Replayer(shard)
	if !ok {
		return "", nil, subscription.Errorf(subscription.CodeInvalidVariables, "unknown shard %s", shard)
	}
	return shard, r, nil
}

// replay sends history before live events. Live events queue up behind the
// hold and anything already replayed is dropped on release.
func (s *Session) replay(sub *subscription.Active, r *subscription.Replayer, from uint64) {
	defer s.wg.Done()

	last, err := r.Replay(s.ctx, sub, from, func(ev subscription.Event) error {
		if sub.State().Terminal() {
			return fmt.Errorf("subscription %s ended during replay", sub.ID)
		}
		msg, err := NextMessage(sub.ClientID, ev)
		if err != nil {
			return err
		}
		if !s.send(msg) {
			return s.ctx.Err()
		}
		sub.MarkDelivered(ev.Shard, ev.Sequence)
		return nil
	})
	if err != nil {
		if s.ctx.Err() == nil && !sub.State().Terminal() {
			log.Warn().Err(err).Str("id", sub.ID).Msg("Replay failed")
			s.registry.Remove(sub.ID, subscription.ReasonDeliveryFailed)
		}
		return
	}

	log.Debug().
		Str("id", sub.ID).
		Uint64("from_seq", from).
		Uint64("last_seq", last).
		Msg("Replay finished")
	s.broadcaster.Release(sub.ID, last)
}

func (s *Session) handleComplete(clientID string) {
	s.mu.Lock()
	sub, ok := s.subs[clientID]
	if ok {
		delete(s.subs, clientID)
	}
	s.mu.Unlock()

	if ok {
		s.registry.Remove(sub.ID, subscription.ReasonClientComplete)
	}
}
