package vaultd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"treasuryvault/native/vault"
)

func dialStream(t *testing.T, h *harness, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/settlements/stream" + query
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + signToken(t, strangerAddr.Hex(), nil)}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readStreamRecord(t *testing.T, conn *websocket.Conn) recordResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg streamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, vault.EventTypeSettled, msg.Type)
	require.NotNil(t, msg.Record)
	return *msg.Record
}

func settleDirect(t *testing.T, h *harness, n byte) {
	t.Helper()
	_, err := h.vault.Settle(context.Background(), vault.SettleRequest{
		PaymentID: mustPaymentID(t, paymentHex(n)),
		Recipient: payeeAddr,
		Amount:    uint256.NewInt(1),
		Caller:    adminAddr,
	})
	require.NoError(t, err)
}

func TestStreamReplaysBacklogThenFollows(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.vault.Credit(context.Background(), uint256.NewInt(100))
	require.NoError(t, err)
	for i := byte(1); i <= 4; i++ {
		settleDirect(t, h, i)
	}

	conn := dialStream(t, h, "?cursor=1")
	for want := uint64(2); want <= 4; want++ {
		require.Equal(t, want, readStreamRecord(t, conn).Sequence)
	}

	settleDirect(t, h, 5)
	live := readStreamRecord(t, conn)
	require.Equal(t, uint64(5), live.Sequence)
	require.Equal(t, paymentHex(5), live.PaymentID)
}

func TestStreamFromEmptyLog(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.vault.Credit(context.Background(), uint256.NewInt(10))
	require.NoError(t, err)

	conn := dialStream(t, h, "")
	settleDirect(t, h, 9)
	require.Equal(t, uint64(1), readStreamRecord(t, conn).Sequence)
}

func TestStreamRejectsBadCursor(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/v1/settlements/stream?cursor=-4", strangerAddr, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
