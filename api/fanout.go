package api

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"protracker/board"
)

const DefaultInvalidationChannel = "protracker:invalidations"

// invalidation tells other sessions that a confirmed transition made these
// keys stale. Origin is the session that already reconciled itself.
type invalidation struct {
	Origin string          `json:"origin"`
	TaskID string          `json:"taskId"`
	Keys   []board.ViewKey `json:"keys"`
}

// Fanout carries invalidations between gateway instances over Redis pub/sub.
type Fanout struct {
	client  *redis.Client
	channel string
	logger  *log.Logger
}

func NewFanout(client *redis.Client, channel string, logger *log.Logger) *Fanout {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Fanout{client: client, channel: channel, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, msg invalidation) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, data).Err()
}

// Run delivers every received invalidation until ctx is done, resubscribing
// when the connection drops. ready, if not nil, is closed once the first
// subscription is confirmed.
func (f *Fanout) Run(ctx context.Context, deliver func(invalidation), ready chan<- struct{}) {
	for {
		sub := f.client.Subscribe(ctx, f.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			f.logger.WithError(err).Error("subscribe invalidations")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if ready != nil {
			close(ready)
			ready = nil
		}
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var inv invalidation
				if err := sonic.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					f.logger.WithError(err).Warn("unable to parse invalidation")
					continue
				}
				deliver(inv)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		f.logger.Error("pubsub channel closed, reconnecting")
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
