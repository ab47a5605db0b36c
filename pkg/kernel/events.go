package kernel

import (
	"fmt"
	"net/http"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/services"
)

// handleItemSSE streams one item's events. The item must exist; the stream
// stays open until the client disconnects.
func (s *Server) handleItemSSE(w http.ResponseWriter, r *http.Request) {
	id, ok := bindID(w, r)
	if !ok {
		return
	}
	item, err := s.deps.Items.Get(r.Context(), domain.WorkItemID(id))
	if err != nil {
		s.writeDomainError(w, "stream item events", err)
		return
	}

	ch, unsub := s.deps.EventBus.Subscribe(id)
	defer unsub()

	// Current state first, so late subscribers know where the item is.
	snapshot := services.ItemEvent(item, services.EventTypeSnapshot, "")
	s.streamSSE(w, r, ch, &snapshot)
}

// handleBroadcastSSE streams every item's events.
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.deps.EventBus.SubscribeGlobal()
	defer unsub()
	s.streamSSE(w, r, ch, nil)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, ch <-chan services.Event, first *services.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if first != nil {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", first.Type, first.Data)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) publish(item *domain.WorkItem, t services.EventType, message string) {
	if s.deps.EventBus == nil {
		return
	}
	s.deps.EventBus.Publish(services.ItemEvent(item, t, message))
}
