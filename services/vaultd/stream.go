package vaultd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"treasuryvault/native/vault"
)

const wsWriteTimeout = 10 * time.Second

type streamMessage struct {
	Type   string          `json:"type"`
	Record *recordResponse `json:"record"`
}

// handleStream replays settlement records after ?cursor= and then follows
// new settlements as they commit.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "record stream disabled")
		return
	}
	cursor, err := parseUintQuery(r, "cursor")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "cursor must be an unsigned integer")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	defer s.metrics.StreamOpened()()

	ctx := conn.CloseRead(r.Context())
	if err := s.streamRecords(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamRecords(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	// Subscribe before reading the backlog so nothing committed in between is lost.
	updates, cancel := s.feed.Subscribe(ctx)
	defer cancel()

	last, err := s.replay(ctx, conn, cursor)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			settled, ok := evt.(vault.SettledEvent)
			if !ok || settled.Record == nil {
				continue
			}
			if settled.Record.Sequence <= last {
				continue
			}
			if settled.Record.Sequence > last+1 {
				// A dropped event leaves a gap; refill it from the store.
				if last, err = s.replay(ctx, conn, last); err != nil {
					return err
				}
				continue
			}
			if err := writeRecord(ctx, conn, settled.Record); err != nil {
				return err
			}
			last = settled.Record.Sequence
		}
	}
}

func (s *Server) replay(ctx context.Context, conn *websocket.Conn, after uint64) (uint64, error) {
	last := after
	for {
		records, err := s.vault.Records(ctx, last, s.stream.BacklogPage)
		if err != nil {
			return last, err
		}
		for _, rec := range records {
			if err := writeRecord(ctx, conn, rec); err != nil {
				return last, err
			}
			last = rec.Sequence
		}
		if len(records) < s.stream.BacklogPage {
			return last, nil
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec *vault.SettlementRecord) error {
	data, err := json.Marshal(streamMessage{Type: vault.EventTypeSettled, Record: toRecordResponse(rec)})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
