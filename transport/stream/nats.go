package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/ripple/cfg"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

// KeyHeader carries the entity id on NATS messages
const KeyHeader = "key"

func init() {
	RegisterProducer("nats", func(config cfg.StreamConfiguration) (Producer, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats producer requires nats_url")
		}
		return NewNatsProducer(config.NatsURL)
	})
}

// NatsProducer publishes to JetStream, creating one stream per subject on
// first use
type NatsProducer struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams *xsync.MapOf[string, struct{}]
}

func NewNatsProducer(url string) (*NatsProducer, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsProducer{
		nc:      nc,
		js:      js,
		streams: xsync.NewMapOf[string, struct{}](),
	}, nil
}

func (n *NatsProducer) Publish(ctx context.Context, msg Message) error {
	if err := n.ensureStream(ctx, msg.Topic); err != nil {
		return err
	}

	_, err := n.js.PublishMsg(ctx, &nats.Msg{
		Subject: msg.Topic,
		Data:    msg.Value,
		Header:  nats.Header{KeyHeader: []string{msg.Key}},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func (n *NatsProducer) ensureStream(ctx context.Context, subject string) error {
	if _, ok := n.streams.Load(subject); ok {
		return nil
	}

	name := streamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.streams.Store(subject, struct{}{})
	return nil
}

func (n *NatsProducer) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// streamName maps a subject to a valid JetStream stream name
func streamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(subject)
}
