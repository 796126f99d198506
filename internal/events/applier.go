package events

import (
	"context"
	"log"
	"sync"

	"github.com/purplefish-ai/factory-factory-sub006/internal/snapshot"
)

// Applier drains the bus into the projection store. The event's OccurredAt
// becomes the write timestamp, so a stale event that raced a newer
// reconciliation write is rejected per field group by the store's
// watermarks.
type Applier struct {
	bus    *Bus
	store  *snapshot.Store
	logger *log.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewApplier(bus *Bus, store *snapshot.Store, logger *log.Logger) *Applier {
	return &Applier{bus: bus, store: store, logger: logger}
}

func (a *Applier) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	messages, err := a.bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for msg := range messages {
			a.apply(msg.Payload)
			msg.Ack()
		}
	}()
	return nil
}

func (a *Applier) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Applier) apply(payload []byte) {
	event, err := Unmarshal(payload)
	if err != nil {
		if a.logger != nil {
			a.logger.Printf("drop undecodable snapshot event: %v", err)
		}
		return
	}
	if event.WorkspaceID == "" {
		return
	}
	a.store.Upsert(event.WorkspaceID, event.Fields, event.Source, event.OccurredAt.UTC())
}
