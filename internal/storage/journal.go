package storage

import (
	"context"
	"time"

	"callcore/internal/eventbus"
	logx "callcore/pkg/logx"
)

// Journal writes delivery events from the bus into a Store, off the message
// thread.
type Journal struct {
	store Store
	log   logx.Logger

	ch    <-chan eventbus.Event
	unsub func()

	writeTimeout time.Duration
}

// NewJournal subscribes to delivery events immediately, so events published
// before Run starts are buffered rather than lost.
func NewJournal(store Store, bus eventbus.Bus, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(256, eventbus.TypeDelivery)
	return &Journal{
		store:        store,
		log:          log.With(logx.String("comp", "journal")),
		ch:           ch,
		unsub:        unsub,
		writeTimeout: 2 * time.Second,
	}
}

// Run consumes events until ctx is done. Events still buffered when ctx ends
// are written before Run returns. A Journal runs once.
func (j *Journal) Run(ctx context.Context) error {
	ch := j.ch
	defer j.unsub()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-ch:
					if !ok {
						return nil
					}
					j.write(e)
				default:
					return nil
				}
			}
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			j.write(e)
		}
	}
}

func (j *Journal) write(e eventbus.Event) {
	r, ok := e.Data.(DeliveryRecord)
	if !ok {
		j.log.Warn("unexpected delivery payload", logx.String("type", e.Type))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
	defer cancel()
	if err := j.store.AppendDelivery(ctx, r); err != nil {
		j.log.Warn("journal append failed", logx.Uint32("id", r.ID), logx.Err(err))
	}
}
