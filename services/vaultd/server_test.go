package vaultd

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"treasuryvault/native/vault"
	"treasuryvault/services/vaultd/wallet"
)

func TestSettlementLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/fund", adminAddr, map[string]string{"amount": "1000000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "1000000", decode[map[string]string](t, rec)["balance"])

	rec = h.do(http.MethodPost, "/v1/admin/operators", adminAddr, map[string]string{"address": operatorAddr.Hex()})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	settle := map[string]string{"payment_id": paymentHex(1), "recipient": payeeAddr.Hex(), "amount": "1000"}
	rec = h.do(http.MethodPost, "/v1/settlements", operatorAddr, settle)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	record := decode[recordResponse](t, rec)
	require.Equal(t, uint64(1), record.Sequence)
	require.Equal(t, payeeAddr.Hex(), record.Recipient)
	require.Equal(t, operatorAddr.Hex(), record.Operator)
	require.Equal(t, "1000", h.book.Received(payeeAddr).Dec())

	rec = h.do(http.MethodPost, "/v1/settlements", operatorAddr, settle)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[errorResponse](t, rec)
	require.Equal(t, "already_used", conflict.Kind)
	require.NotNil(t, conflict.Record)
	require.Equal(t, record.TxRef, conflict.Record.TxRef)

	rec = h.do(http.MethodGet, "/v1/balance", operatorAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "999000", decode[map[string]string](t, rec)["balance"])

	rec = h.do(http.MethodGet, "/v1/payments/"+paymentHex(1), strangerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode[map[string]any](t, rec)["used"])

	rec = h.do(http.MethodGet, "/v1/settlements/"+paymentHex(1), strangerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, record.PaymentID, decode[recordResponse](t, rec).PaymentID)

	rec = h.do(http.MethodGet, "/v1/settlements/"+paymentHex(2), strangerAddr, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettlementErrorMapping(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.vault.Credit(context.Background(), uint256.NewInt(100))
	require.NoError(t, err)

	cases := []struct {
		name   string
		caller common.Address
		body   map[string]string
		status int
		kind   string
	}{
		{"zero amount", adminAddr, map[string]string{"payment_id": paymentHex(1), "recipient": payeeAddr.Hex(), "amount": "0"}, http.StatusBadRequest, "zero_amount"},
		{"null recipient", adminAddr, map[string]string{"payment_id": paymentHex(1), "recipient": common.Address{}.Hex(), "amount": "1"}, http.StatusBadRequest, "invalid_recipient"},
		{"not an operator", strangerAddr, map[string]string{"payment_id": paymentHex(1), "recipient": payeeAddr.Hex(), "amount": "1"}, http.StatusForbidden, "unauthorized"},
		{"insufficient", adminAddr, map[string]string{"payment_id": paymentHex(1), "recipient": payeeAddr.Hex(), "amount": "101"}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"malformed id", adminAddr, map[string]string{"payment_id": "0x12", "recipient": payeeAddr.Hex(), "amount": "1"}, http.StatusBadRequest, "invalid_request"},
		{"negative amount", adminAddr, map[string]string{"payment_id": paymentHex(1), "recipient": payeeAddr.Hex(), "amount": "-1"}, http.StatusBadRequest, "invalid_request"},
		{"bad recipient", adminAddr, map[string]string{"payment_id": paymentHex(1), "recipient": "bob", "amount": "1"}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/v1/settlements", tc.caller, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.kind, decode[errorResponse](t, rec).Kind)
		})
	}

	rec := h.do(http.MethodPost, "/v1/settlements", adminAddr, map[string]string{"payment_id": paymentHex(1), "recipient": payeeAddr.Hex(), "amount": "101"})
	body := decode[errorResponse](t, rec)
	require.Equal(t, "101", body.Requested)
	require.Equal(t, "100", body.Available)

	used, err := h.vault.IsUsed(context.Background(), mustPaymentID(t, paymentHex(1)))
	require.NoError(t, err)
	require.False(t, used)
}

func TestTransferFailureMapsToBadGateway(t *testing.T) {
	failing := wallet.FuncWallet{TransferFunc: func(context.Context, vault.TransferRequest) (string, error) {
		return "", errors.New("node unreachable")
	}}
	h := newHarness(t, failing)
	_, err := h.vault.Credit(context.Background(), uint256.NewInt(100))
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/v1/settlements", adminAddr, map[string]string{"payment_id": paymentHex(5), "recipient": payeeAddr.Hex(), "amount": "10"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "transfer", decode[errorResponse](t, rec).Kind)

	rec = h.do(http.MethodGet, "/v1/payments/"+paymentHex(5), adminAddr, nil)
	require.Equal(t, false, decode[map[string]any](t, rec)["used"])
}

func TestPendingTransferKeepsPaymentConsumed(t *testing.T) {
	calls := 0
	timingOut := wallet.FuncWallet{TransferFunc: func(context.Context, vault.TransferRequest) (string, error) {
		calls++
		return "", vault.PendingTransfer("0xfeed", context.DeadlineExceeded)
	}}
	h := newHarness(t, timingOut)
	_, err := h.vault.Credit(context.Background(), uint256.NewInt(300))
	require.NoError(t, err)

	body := map[string]string{"payment_id": paymentHex(6), "recipient": payeeAddr.Hex(), "amount": "100"}
	rec := h.do(http.MethodPost, "/v1/settlements", adminAddr, body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	record := decode[recordResponse](t, rec)
	require.True(t, record.Pending)
	require.Equal(t, "0xfeed", record.TxRef)

	rec = h.do(http.MethodPost, "/v1/settlements", adminAddr, body)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_used", decode[errorResponse](t, rec).Kind)
	require.Equal(t, 1, calls)

	balance, err := h.vault.Balance(context.Background())
	require.NoError(t, err)
	require.Equal(t, "200", balance.Dec())
}

func TestAuthenticationRequired(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/v1/balance", common.Address{}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/healthz", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/metrics", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.vault.Credit(context.Background(), uint256.NewInt(500))
	require.NoError(t, err)

	rec := h.do(http.MethodGet, "/v1/admin", strangerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, adminAddr.Hex(), decode[map[string]string](t, rec)["admin"])

	rec = h.do(http.MethodPost, "/v1/admin/operators", strangerAddr, map[string]string{"address": strangerAddr.Hex()})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/admin/withdraw", strangerAddr, map[string]string{"recipient": payeeAddr.Hex(), "amount": "5"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/admin/withdraw", adminAddr, map[string]string{"recipient": payeeAddr.Hex(), "amount": "120"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	withdrawal := decode[withdrawalResponse](t, rec)
	require.Equal(t, "120", withdrawal.Amount)
	require.NotEmpty(t, withdrawal.ID)
	require.Equal(t, "120", h.book.Received(payeeAddr).Dec())

	rec = h.do(http.MethodPost, "/v1/admin/operators", adminAddr, map[string]string{"address": operatorAddr.Hex()})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(http.MethodGet, "/v1/operators/"+operatorAddr.Hex(), strangerAddr, nil)
	require.Equal(t, true, decode[map[string]any](t, rec)["operator"])

	rec = h.do(http.MethodGet, "/v1/admin/operators", adminAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[map[string][]string](t, rec)["operators"], 2)

	rec = h.do(http.MethodDelete, "/v1/admin/operators/"+operatorAddr.Hex(), adminAddr, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(http.MethodPost, "/v1/settlements", operatorAddr, map[string]string{"payment_id": paymentHex(1), "recipient": payeeAddr.Hex(), "amount": "1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/admin/transfer", adminAddr, map[string]string{"address": common.Address{}.Hex()})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodPost, "/v1/admin/transfer", adminAddr, map[string]string{"address": strangerAddr.Hex()})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodPost, "/v1/admin/operators", adminAddr, map[string]string{"address": operatorAddr.Hex()})
	require.Equal(t, http.StatusForbidden, rec.Code, "previous admin loses privileges")
	rec = h.do(http.MethodPost, "/v1/admin/operators", strangerAddr, map[string]string{"address": operatorAddr.Hex()})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListRecordsPaging(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.vault.Credit(ctx, uint256.NewInt(100))
	require.NoError(t, err)
	for i := byte(1); i <= 3; i++ {
		_, err := h.vault.Settle(ctx, vault.SettleRequest{PaymentID: mustPaymentID(t, paymentHex(i)), Recipient: payeeAddr, Amount: uint256.NewInt(10), Caller: adminAddr})
		require.NoError(t, err)
	}

	rec := h.do(http.MethodGet, "/v1/settlements?after=1&limit=1", strangerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[map[string][]recordResponse](t, rec)["records"]
	require.Len(t, page, 1)
	require.Equal(t, uint64(2), page[0].Sequence)

	rec = h.do(http.MethodGet, "/v1/settlements?after=x", strangerAddr, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/v1/asset", strangerAddr, nil)
	require.Equal(t, "USDC", decode[map[string]any](t, rec)["code"])
}

func TestRejectsUnknownFields(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/v1/fund", adminAddr, map[string]string{"amount": "1", "memo": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func mustPaymentID(t *testing.T, raw string) vault.PaymentID {
	t.Helper()
	id, err := vault.ParsePaymentID(raw)
	require.NoError(t, err)
	return id
}
