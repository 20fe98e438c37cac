package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBacklogLimit = 256
)

type eventPayload struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	TokenID    string            `json:"tokenId,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  string            `json:"timestamp"`
}

// handleEventsWS streams the gift event feed. The backlog after the cursor
// is replayed first, then live events until either side closes.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	cursor := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer")
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor int64) error {
	updates, cancel, backlog, err := s.events.Subscribe(ctx, cursor, wsBacklogLimit)
	if err != nil {
		return err
	}
	defer cancel()

	for _, evt := range backlog {
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt ledger.Event) error {
	attrs, err := evt.DecodeAttributes()
	if err != nil {
		attrs = nil
	}
	data, err := json.Marshal(eventPayload{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		TokenID:    evt.TokenID,
		Attributes: attrs,
		Timestamp:  evt.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
