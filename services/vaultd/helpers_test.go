package vaultd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"treasuryvault/core/events"
	"treasuryvault/native/vault"
	"treasuryvault/observability"
	"treasuryvault/services/vaultd/wallet"
	"treasuryvault/storage"
)

const (
	testSecret   = "unit-test-secret"
	testIssuer   = "treasury-auth"
	testAudience = "vaultd"
)

var (
	adminAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	operatorAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	strangerAddr = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	payeeAddr    = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

type harness struct {
	t       *testing.T
	vault   *vault.Vault
	book    *wallet.Book
	feed    *events.Feed
	handler http.Handler
}

func newHarness(t *testing.T, transfer vault.Wallet) *harness {
	t.Helper()
	book := wallet.NewBook()
	if transfer == nil {
		transfer = book
	}
	feed := events.NewFeed(16)
	v, err := vault.Open(context.Background(), storage.NewMemory(), vault.Genesis{
		Asset:   vault.Asset{Code: "USDC", Decimals: 6},
		Creator: adminAddr,
	}, vault.WithWallet(transfer), vault.WithEmitter(feed))
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		Vault:       v,
		Feed:        feed,
		Auth:        mustAuthenticator(t),
		RateLimiter: NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60_000, Burst: 1_000}),
		Metrics:     observability.Gateway(),
		Stream:      StreamConfig{BacklogPage: 2},
	})
	return &harness{t: t, vault: v, book: book, feed: feed, handler: srv.Handler()}
}

func mustAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{HSSecret: testSecret, Issuer: testIssuer, Audience: []string{testAudience}})
	require.NoError(t, err)
	return auth
}

func signToken(t *testing.T, subject string, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": testIssuer,
		"aud": []string{testAudience},
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (h *harness) do(method, path string, caller common.Address, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set("Authorization", "Bearer "+signToken(h.t, caller.Hex(), nil))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func paymentHex(n byte) string {
	var id vault.PaymentID
	id[31] = n
	return id.Hex()
}
