package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const channelPrefix = "board-changes:"

// ChannelForBoard returns the pub/sub channel carrying one board's changes.
func ChannelForBoard(boardID string) string {
	return channelPrefix + boardID
}

// Publisher announces row-level changes on a board's channel. Every client
// subscribed to the board receives them, including the publisher itself.
type Publisher struct {
	rc *redis.Client
}

// NewPublisher creates a Publisher using the provided Redis client.
func NewPublisher(rc *redis.Client) *Publisher {
	return &Publisher{rc: rc}
}

// Publish sends ev to the board's channel. A nil client is a no-op so
// storage can run without a feed in tests.
func (p *Publisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if p == nil || p.rc == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, ChannelForBoard(ev.BoardID), data).Err()
}

// Subscribe registers onChange for every change event on the board's channel
// until the returned stop function is called or ctx is cancelled. The
// subscription re-subscribes when the underlying channel closes. Malformed
// payloads are logged and skipped.
func Subscribe(ctx context.Context, logger *log.Logger, rc *redis.Client, boardID string, onChange func(domain.ChangeEvent)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := rc.Subscribe(subCtx, ChannelForBoard(boardID))
	if _, err := sub.Receive(subCtx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, domain.Transientf("subscribe board %s: %v", boardID, err)
	}

	go run(subCtx, logger, rc, boardID, sub, onChange)

	return cancel, nil
}

func run(ctx context.Context, logger *log.Logger, rc *redis.Client, boardID string, sub *redis.PubSub, onChange func(domain.ChangeEvent)) {
	for {
		ch := sub.Channel()
	drain:
		for {
			select {
			case <-ctx.Done():
				closeSub(logger, sub)
				return
			case msg, ok := <-ch:
				if !ok {
					break drain
				}
				var ev domain.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Errorf("unable to parse change event: %v", err)
					continue
				}
				onChange(ev)
			}
		}
		closeSub(logger, sub)
		if ctx.Err() != nil {
			return
		}
		logger.Error("change feed channel closed, reconnecting")
		time.Sleep(time.Second)
		sub = rc.Subscribe(ctx, ChannelForBoard(boardID))
	}
}

// Feed binds a logger and Redis client so consumers can open board
// subscriptions without carrying either.
type Feed struct {
	logger *log.Logger
	rc     *redis.Client
}

// NewFeed creates a Feed over the given Redis client.
func NewFeed(logger *log.Logger, rc *redis.Client) *Feed {
	return &Feed{logger: logger, rc: rc}
}

// Subscribe opens a change subscription for one board.
func (f *Feed) Subscribe(ctx context.Context, boardID string, onChange func(domain.ChangeEvent)) (func(), error) {
	return Subscribe(ctx, f.logger, f.rc, boardID, onChange)
}

func closeSub(logger *log.Logger, sub *redis.PubSub) {
	if err := sub.Close(); err != nil {
		logger.Errorf("close subscription: %v", err)
	}
}
