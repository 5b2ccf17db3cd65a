package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/powermarket/internal/metrics"
	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/wire"
)

// BroadcastChannel carries messages addressed to every broker.
const BroadcastChannel = "powermarket:broadcast"

// BrokerChannel is the pub/sub channel for one broker's messages.
func BrokerChannel(username string) string { return fmt.Sprintf("powermarket:broker:%s", username) }

func cashKey(username string) string { return fmt.Sprintf("powermarket:cash:%s", username) }
func orderbookKey(ts int) string     { return fmt.Sprintf("powermarket:orderbook:%d", ts) }

type publication struct {
	channel string
	data    []byte
	// key, when set, also stores data as the latest snapshot.
	key string
}

// RedisPublisher mirrors engine output onto Redis pub/sub for external
// consumers and keeps the latest cash position of each broker and
// orderbook of each timeslot as expiring snapshots. Publishing happens on
// the Run goroutine.
type RedisPublisher struct {
	rdb    *redis.Client
	ttl    time.Duration
	queue  chan publication
	logger *slog.Logger
}

// NewRedisPublisher creates a publisher. Snapshots expire after ttl.
func NewRedisPublisher(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		rdb:    rdb,
		ttl:    ttl,
		queue:  make(chan publication, 4096),
		logger: logger.With("component", "redis_publisher"),
	}
}

// Run publishes queued messages until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pub := <-p.queue:
			if err := p.rdb.Publish(ctx, pub.channel, pub.data).Err(); err != nil {
				p.logger.Warn("redis publish failed", "channel", pub.channel, "error", err)
				continue
			}
			if pub.key != "" {
				if err := p.rdb.Set(ctx, pub.key, pub.data, p.ttl).Err(); err != nil {
					p.logger.Warn("redis snapshot failed", "key", pub.key, "error", err)
				}
			}
		}
	}
}

func (p *RedisPublisher) encode(b *model.Broker, msg model.Message) (publication, error) {
	data, err := wire.Encode(b, msg)
	if err != nil {
		return publication{}, err
	}
	pub := publication{channel: BroadcastChannel, data: data}
	if b != nil {
		pub.channel = BrokerChannel(b.Username)
	}
	switch m := msg.(type) {
	case *model.CashPosition:
		if m.Broker != nil {
			pub.key = cashKey(m.Broker.Username)
		}
	case *model.Orderbook:
		pub.key = orderbookKey(m.Timeslot)
	}
	return pub, nil
}

func (p *RedisPublisher) enqueue(b *model.Broker, msg model.Message) {
	pub, err := p.encode(b, msg)
	if err != nil {
		p.logger.Error("encode outbound message", "type", msg.MessageType(), "error", err)
		return
	}
	select {
	case p.queue <- pub:
	default:
		metrics.OutboundDropped.WithLabelValues("redis").Inc()
	}
}

func (p *RedisPublisher) SendMessage(b *model.Broker, msg model.Message) {
	p.enqueue(b, msg)
}

func (p *RedisPublisher) SendMessages(b *model.Broker, msgs []model.Message) {
	for _, msg := range msgs {
		p.enqueue(b, msg)
	}
}

func (p *RedisPublisher) BroadcastMessage(msg model.Message) {
	p.enqueue(nil, msg)
}

func (p *RedisPublisher) BroadcastMessages(msgs []model.Message) {
	for _, msg := range msgs {
		p.enqueue(nil, msg)
	}
}
