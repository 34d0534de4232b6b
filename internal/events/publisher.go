// Package events delivers message.indexed events from the store's
// transactional outbox to NATS JetStream. Entirely optional: the engine
// runs unchanged without a configured NATS URL.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mjherich/gmail-to-sqlite/internal/store"
)

const (
	streamName    = "MAILBOX_EVENTS"
	dispatchBatch = 100
	idlePause     = 500 * time.Millisecond
	retryBackoff  = 10 * time.Second
)

// Publisher wraps a JetStream connection for deduplicated publishing.
type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger
}

// NewPublisher connects to NATS and ensures the event stream exists.
func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	p := &Publisher{nc: nc, js: js, log: log}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"account.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

// Publish sends one event with MsgId deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	return err
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// DispatchLoop drains the outbox until ctx is cancelled. Failed publishes
// are retried with a fixed backoff; nothing is marked published until NATS
// accepted it, so delivery is at-least-once with MsgId deduplication on
// the stream side.
func (p *Publisher) DispatchLoop(ctx context.Context, st *store.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := st.DequeueOutbox(ctx, dispatchBatch)
		if err != nil {
			p.log.Error("failed to dequeue outbox", zap.Error(err))
			if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
				return
			}
			continue
		}

		if len(messages) == 0 {
			if sleepErr := sleepCtx(ctx, idlePause); sleepErr != nil {
				return
			}
			continue
		}

		for _, msg := range messages {
			if err := p.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				p.log.Warn("failed to publish event",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
				if err := st.MarkOutboxRetry(ctx, msg.ID, retryBackoff); err != nil {
					p.log.Error("failed to schedule outbox retry",
						zap.Int64("outbox_id", msg.ID), zap.Error(err))
				}
				continue
			}
			if err := st.MarkPublished(ctx, msg.ID); err != nil {
				p.log.Error("failed to mark event published",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

// DispatchPending drains everything currently due in the outbox once and
// returns. Used by one-shot sync invocations; serve mode uses DispatchLoop.
func (p *Publisher) DispatchPending(ctx context.Context, st *store.Store) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		messages, err := st.DequeueOutbox(ctx, dispatchBatch)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}
		for _, msg := range messages {
			if err := p.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				p.log.Warn("failed to publish event",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
				if rerr := st.MarkOutboxRetry(ctx, msg.ID, retryBackoff); rerr != nil {
					return rerr
				}
				continue
			}
			if err := st.MarkPublished(ctx, msg.ID); err != nil {
				return err
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
