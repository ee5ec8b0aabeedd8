package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Broker carries published frames to every server instance, including the
// one that published them. Each hub delivers what it receives to its own
// local connections.
type Broker interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// RedisBroker fans out over a Redis pub/sub channel.
type RedisBroker struct {
	client  *redis.Client
	channel string
}

func NewRedisBroker(client *redis.Client, channel string) *RedisBroker {
	return &RedisBroker{client: client, channel: channel}
}

func (b *RedisBroker) Publish(ctx context.Context, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription. The channel
// closes when ctx is cancelled.
func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", b.channel, err)
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// LocalBroker loops frames back inside one process. It serves single-instance
// deployments and tests.
type LocalBroker struct {
	ch chan []byte
}

const localBrokerBuffer = 256

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{ch: make(chan []byte, localBrokerBuffer)}
}

// ErrBrokerFull is returned when nothing is draining the local broker,
// for example after the hub stopped.
var ErrBrokerFull = errors.New("local broker buffer full")

// Publish never blocks; a full buffer drops the frame.
func (b *LocalBroker) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.ch <- payload:
		return nil
	default:
		return ErrBrokerFull
	}
}

func (b *LocalBroker) Subscribe(context.Context) (<-chan []byte, error) {
	return b.ch, nil
}
