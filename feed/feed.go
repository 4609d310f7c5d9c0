// Package feed implements the change feed over Redis pub/sub: a "table
// changed" stream with no payload or ordering guarantees. Events may be
// duplicated or coalesced; consumers must always re-fetch rather than patch.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const channelPrefix = "board:changed:"

type notification struct {
	Scope string `json:"scope"`
}

// Publisher emits change notifications after gateway writes.
type Publisher struct {
	rc     *redis.Client
	logger *log.Logger
}

func NewPublisher(rc *redis.Client, logger *log.Logger) *Publisher {
	return &Publisher{rc: rc, logger: logger}
}

// Publish notifies subscribers that rows of the given table changed for a
// scope. Fire and forget: a lost notification only delays reconciliation
// until the next write.
func (p *Publisher) Publish(ctx context.Context, table, scopeID string) {
	payload, err := json.Marshal(notification{Scope: scopeID})
	if err != nil {
		return
	}
	if err := p.rc.Publish(ctx, channelPrefix+table, payload).Err(); err != nil {
		p.logger.WithError(err).WithField("table", table).Error("change feed publish failed")
	}
}

// Subscriber consumes change notifications for sessions.
type Subscriber struct {
	rc     *redis.Client
	logger *log.Logger
}

func NewSubscriber(rc *redis.Client, logger *log.Logger) *Subscriber {
	return &Subscriber{rc: rc, logger: logger}
}

// Subscribe starts listening for changes to the given table and invokes fn
// with the scope id of each notification. The returned function cancels the
// subscription.
func (s *Subscriber) Subscribe(table string, fn func(scopeID string)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	go s.run(ctx, table, fn)
	return cancel, nil
}

func (s *Subscriber) run(ctx context.Context, table string, fn func(scopeID string)) {
	channel := channelPrefix + table
	for {
		sub := s.rc.Subscribe(ctx, channel)
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
				var n notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					s.logger.WithError(err).Warn("unparseable change notification")
					// Still a "something changed" signal; deliver with an
					// unknown scope so consumers can decide to refetch.
				}
				fn(n.Scope)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.WithField("channel", channel).Error("change feed channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
