package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/tether/internal/events"
)

const sseKeepAlive = 15 * time.Second

// sseStream writes server-sent events and remembers the last id it sent, so
// a replayed event is never written twice.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	types   map[string]bool
	lastID  int64
}

func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.lastID {
		return nil
	}
	s.lastID = ev.ID
	if len(s.types) > 0 && !s.types[ev.Type] {
		return nil
	}
	// Payloads are single-line JSON.
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleEvents streams lifecycle events. Clients resume with Last-Event-ID (or
// ?since=N) and may narrow the stream with ?type=a,b.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.deps.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseStream{w: w, flusher: flusher, types: typeFilter(r.URL.Query().Get("type"))}
	cursor := resumeCursor(r)
	stream.lastID = cursor
	for _, ev := range s.deps.Events.SnapshotSince(cursor) {
		if err := stream.send(ev); err != nil {
			return
		}
	}
	if err := stream.comment("ready"); err != nil {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := stream.send(ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := stream.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// resumeCursor prefers the Last-Event-ID header a reconnecting EventSource
// sends over the since query parameter.
func resumeCursor(r *http.Request) int64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		return parseEventID(v)
	}
	return parseEventID(r.URL.Query().Get("since"))
}

func parseEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func typeFilter(v string) map[string]bool {
	if v == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	return out
}
