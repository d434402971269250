package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/metrics"
	"github.com/bugcanvas/annotsync/internal/protocol"
)

// EventBus delivers domain events to every synced member of one room, in
// publish order. Sends never block; a member whose buffer is full is
// reported to onDropped and resynchronized instead of stalling the rest.
type EventBus struct {
	mu     sync.Mutex
	roster *core.Roster

	onDropped func([]domain.MemberID)
}

func NewEventBus(roster *core.Roster, onDropped func([]domain.MemberID)) *EventBus {
	return &EventBus{roster: roster, onDropped: onDropped}
}

// Publish fans the event out to all current members. The caller publishes
// only after the corresponding storage mutation has been accepted, which
// preserves causal order from mutation to event.
func (b *EventBus) Publish(evt domain.Event) {
	frame, err := protocol.Marshal(protocol.EventPayload{Type: protocol.MsgEvent, Event: evt})
	if err != nil {
		log.Error().Err(err).Str("module", "app.events").Msg("marshal event")
		return
	}

	b.mu.Lock()
	res := b.roster.Broadcast("", core.Frame(frame))
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Kind)).Inc()
	if len(res.Dropped) > 0 && b.onDropped != nil {
		b.onDropped(res.Dropped)
	}
}
