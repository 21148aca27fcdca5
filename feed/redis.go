package feed

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisFeed publishes and subscribes change events over Redis Pub/Sub, one
// channel per organization.
type RedisFeed struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisFeed(client *redis.Client, logger *zap.Logger) *RedisFeed {
	return &RedisFeed{
		client: client,
		logger: logger,
	}
}

func channelFor(orgID string) string {
	return "feed:appointments:" + orgID
}

func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal feed event")
	}
	if err := f.client.Publish(ctx, channelFor(event.OrgID), payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish feed event")
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, orgID string) (Subscription, error) {
	pubsub := f.client.Subscribe(ctx, channelFor(orgID))

	sub := &redisSubscription{
		pubsub: pubsub,
		ready:  make(chan struct{}),
		events: make(chan Event, 64),
		errs:   make(chan error, 1),
	}

	go sub.run(ctx, f.logger, orgID)

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ready  chan struct{}
	events chan Event
	errs   chan error
}

func (s *redisSubscription) Ready() <-chan struct{} { return s.ready }
func (s *redisSubscription) Events() <-chan Event { return s.events }
func (s *redisSubscription) Err() <-chan error { return s.errs }

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func (s *redisSubscription) run(ctx context.Context, logger *zap.Logger, orgID string) {
	// Receive blocks until Redis acknowledges the SUBSCRIBE.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		s.fail(errors.Wrap(err, "subscription not confirmed"))
		return
	}
	close(s.ready)

	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				s.fail(errors.New("feed channel closed"))
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("dropping malformed feed event",
					zap.String("org_id", orgID),
					zap.Error(err))
				continue
			}
			select {
			case s.events <- event:
			case <-ctx.Done():
				s.fail(ctx.Err())
				return
			}
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
}

func (s *redisSubscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
