package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
)

// FilterFromQuery reads run_id, agent, pipeline_id and kind (comma
// separated) query parameters.
func FilterFromQuery(r *http.Request) events.Filter {
	q := r.URL.Query()
	f := events.Filter{
		RunID:      q.Get("run_id"),
		AgentName:  q.Get("agent"),
		PipelineID: q.Get("pipeline_id"),
	}
	for _, k := range strings.Split(q.Get("kind"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			f.Kinds = append(f.Kinds, events.Kind(k))
		}
	}
	return f
}

// handleEvents streams hub events as JSON text messages. A client that
// cannot keep up loses events; it never slows the runs down.
func (srv *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := FilterFromQuery(r)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	sub := srv.jobs.Hub().Subscribe(events.DefaultBuffer)
	defer sub.Close()
	ctx := ws.CloseRead(r.Context())
	debug.LogKV("server", "event subscriber attached", "remote", r.RemoteAddr, "subscribers", srv.jobs.Hub().Subscribers())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if !filter.Match(ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 15*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
