package outbox

import (
	"context"

	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier hints dispatchers that new records were committed. Delivery of a
// hint is best effort; dispatchers keep polling regardless.
type Notifier interface {
	Notify(ctx context.Context) error
	// Listen returns a channel that fires after Notify calls until ctx ends.
	Listen(ctx context.Context) <-chan struct{}
}

// LocalNotifier wakes listeners in the same process.
type LocalNotifier struct {
	ch chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{ch: make(chan struct{}, 1)}
}

func (n *LocalNotifier) Notify(context.Context) error {
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

func (n *LocalNotifier) Listen(context.Context) <-chan struct{} { return n.ch }

// RedisNotifier fans hints out to dispatcher replicas over Redis pub/sub.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisNotifier(rdb *redis.Client, channel string, log *zap.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel, log: logger.OrNop(log)}
}

func (n *RedisNotifier) Notify(ctx context.Context) error {
	return n.rdb.Publish(ctx, n.channel, "1").Err()
}

func (n *RedisNotifier) Listen(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := n.rdb.Subscribe(ctx, n.channel)

	go func() {
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					n.log.Warn("outbox notify subscription closed", zap.String("channel", n.channel))
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
