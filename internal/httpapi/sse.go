package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/genchain/internal/streaming"
	"github.com/rendis/genchain/pkg/schema"
)

const keepAlive = 15 * time.Second

// streamEvents replays the execution's event log after the client's cursor
// and then follows live events until the execution settles or the client
// goes away. The cursor comes from Last-Event-ID or ?since=.
// (GET /v1/executions/:id/events)
func (s *Server) streamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	exec, err := s.deps.Records.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if err := owned(c, "execution", exec.ID, exec.UserID); err != nil {
		return err
	}
	since, err := cursor(c)
	if err != nil {
		return err
	}

	// Subscribe before reading history so nothing falls between the two.
	var live <-chan streaming.StreamEvent
	if s.deps.Hub != nil {
		ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{SubjectID: id})
		if err != nil {
			return err
		}
		defer cancel()
		live = ch
	}
	history, err := s.deps.Records.GetEvents(ctx, id, since)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	last := since
	for _, e := range history {
		ev := streaming.FromStore(e)
		if err := writeEvent(w, ev); err != nil {
			return nil
		}
		last = ev.Sequence
		if settles(ev.EventType) {
			return nil
		}
	}
	if live == nil {
		return nil
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if ev.Sequence <= last {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return nil
			}
			last = ev.Sequence
			if settles(ev.EventType) {
				return nil
			}
		}
	}
}

func cursor(c echo.Context) (int64, error) {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("since")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid event cursor %q", raw)
	}
	return n, nil
}

func settles(eventType string) bool {
	return eventType == schema.EventExecutionCompleted || eventType == schema.EventExecutionFailed
}

func writeEvent(w *echo.Response, ev streaming.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.EventType, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
