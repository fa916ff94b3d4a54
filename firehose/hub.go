package firehose

import (
	"log/slog"
	"sync"

	"github.com/skystream/skystream/internal/metrics"
)

// DefaultChannelCapacity bounds each per-filter channel when the caller
// passes no capacity.
const DefaultChannelCapacity = 128

// Hub fans decoded events out to one bounded channel per filter name.
// Dispatch never blocks the subscription reader: a full channel drops the
// event for that channel only. A Hub is one generation; when the filter
// set changes the owner builds a fresh Hub and closes this one, and
// readers treat the closed channel as a signal to rebind.
type Hub struct {
	capacity int
	logger   *slog.Logger
	channels map[string]chan *Event

	closeOnce sync.Once
}

// NewHub builds a hub with one channel per name. An empty name list yields
// a single unnamed channel that receives every event.
func NewHub(names []string, capacity int, logger *slog.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(names) == 0 {
		names = []string{""}
	}
	channels := make(map[string]chan *Event, len(names))
	for _, name := range names {
		channels[name] = make(chan *Event, capacity)
	}
	return &Hub{capacity: capacity, logger: logger, channels: channels}
}

// Channel returns the receive side for name. The second return is false
// when no such filter exists in this generation.
func (h *Hub) Channel(name string) (<-chan *Event, bool) {
	ch, ok := h.channels[name]
	return ch, ok
}

// Names lists the channel names of this generation.
func (h *Hub) Names() []string {
	out := make([]string, 0, len(h.channels))
	for name := range h.channels {
		out = append(out, name)
	}
	return out
}

// Dispatch offers ev to every channel whose name satisfies matches. The
// unnamed channel, when present, receives everything. Full channels drop
// the event and count it.
func (h *Hub) Dispatch(ev *Event, matches func(name string) bool) {
	for name, ch := range h.channels {
		if name != "" && matches != nil && !matches(name) {
			continue
		}
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(name).Inc()
			h.logger.Warn("filter channel full, dropping event", "filter", name)
		}
	}
}

// Close closes every channel. Callers must stop dispatching first.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		for _, ch := range h.channels {
			close(ch)
		}
	})
}
