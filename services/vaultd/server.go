package vaultd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"treasuryvault/core/events"
	"treasuryvault/native/vault"
	"treasuryvault/observability"
)

const (
	maxBodyBytes = 1 << 16
	// maxBacklogPage matches the largest page the vault serves per read.
	maxBacklogPage = 1000
)

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	Vault       *vault.Vault
	Feed        *events.Feed
	Auth        *Authenticator
	RateLimiter *RateLimiter
	Metrics     *observability.GatewayMetrics
	Logger      *slog.Logger
	Stream      StreamConfig
}

// Server exposes the vault over HTTP.
type Server struct {
	vault   *vault.Vault
	feed    *events.Feed
	auth    *Authenticator
	limiter *RateLimiter
	metrics *observability.GatewayMetrics
	logger  *slog.Logger
	stream  StreamConfig

	router http.Handler
}

// NewServer constructs the HTTP router.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stream.BacklogPage <= 0 {
		cfg.Stream.BacklogPage = 200
	}
	if cfg.Stream.BacklogPage > maxBacklogPage {
		cfg.Stream.BacklogPage = maxBacklogPage
	}
	srv := &Server{
		vault:   cfg.Vault,
		feed:    cfg.Feed,
		auth:    cfg.Auth,
		limiter: cfg.RateLimiter,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		stream:  cfg.Stream,
	}
	if srv.limiter != nil && srv.metrics != nil {
		srv.limiter.onReject = func(r *http.Request) { srv.metrics.RecordThrottle(routePattern(r)) }
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.limiter.Middleware)

		api.Post("/settlements", s.handleSettle)
		api.Get("/settlements", s.handleListRecords)
		api.Get("/settlements/stream", s.handleStream)
		api.Get("/settlements/{paymentID}", s.handleGetRecord)
		api.Get("/payments/{paymentID}", s.handlePaymentStatus)
		api.Get("/balance", s.handleBalance)
		api.Get("/asset", s.handleAsset)
		api.Get("/operators/{address}", s.handleOperatorStatus)
		api.Post("/fund", s.handleFund)

		api.Route("/admin", func(admin chi.Router) {
			admin.Get("/", s.handleAdmin)
			admin.Get("/operators", s.handleListOperators)
			admin.Post("/operators", s.handleAddOperator)
			admin.Delete("/operators/{address}", s.handleRemoveOperator)
			admin.Post("/withdraw", s.handleWithdraw)
			admin.Post("/transfer", s.handleTransferAdmin)
		})
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.metrics.Observe(routePattern(r), ww.Status(), time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

type settleRequest struct {
	PaymentID string `json:"payment_id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type recordResponse struct {
	Sequence  uint64    `json:"sequence"`
	PaymentID string    `json:"payment_id"`
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
	Operator  string    `json:"operator"`
	TxRef     string    `json:"tx_ref,omitempty"`
	SettledAt time.Time `json:"settled_at"`
	Pending   bool      `json:"pending,omitempty"`
}

type withdrawalResponse struct {
	ID          string    `json:"id"`
	Recipient   string    `json:"recipient"`
	Amount      string    `json:"amount"`
	Admin       string    `json:"admin"`
	TxRef       string    `json:"tx_ref,omitempty"`
	WithdrawnAt time.Time `json:"withdrawn_at"`
	Pending     bool      `json:"pending,omitempty"`
}

type errorResponse struct {
	Error     string          `json:"error"`
	Kind      string          `json:"kind"`
	Requested string          `json:"requested,omitempty"`
	Available string          `json:"available,omitempty"`
	Record    *recordResponse `json:"record,omitempty"`
}

func toRecordResponse(rec *vault.SettlementRecord) *recordResponse {
	if rec == nil {
		return nil
	}
	return &recordResponse{
		Sequence:  rec.Sequence,
		PaymentID: rec.PaymentID.Hex(),
		Recipient: rec.Recipient.Hex(),
		Amount:    rec.Amount.Dec(),
		Operator:  rec.Operator.Hex(),
		TxRef:     rec.TxRef,
		SettledAt: rec.SettledAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.vault.Balance(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req settleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := vault.ParsePaymentID(req.PaymentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	recipient, ok := parseAddress(w, req.Recipient, "recipient")
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	record, err := s.vault.Settle(r.Context(), vault.SettleRequest{
		PaymentID: id,
		Recipient: recipient,
		Amount:    amount,
		Caller:    caller,
	})
	// An unconfirmed transfer still consumed the identifier; the caller must
	// not retry under a new one.
	if record != nil && errors.Is(err, vault.ErrTransferPending) {
		resp := toRecordResponse(record)
		resp.Pending = true
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordResponse(record))
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	after, err := parseUintQuery(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "after must be an unsigned integer")
		return
	}
	limit, err := parseUintQuery(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an unsigned integer")
		return
	}
	records, err := s.vault.Records(r.Context(), after, int(limit))
	if err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	out := make([]*recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := vault.ParsePaymentID(chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	record, err := s.vault.Record(r.Context(), id)
	if err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(record))
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := vault.ParsePaymentID(chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	used, err := s.vault.IsUsed(r.Context(), id)
	if err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_id": id.Hex(), "used": used})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.vault.Balance(r.Context())
	if err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": s.vault.Asset().Code, "balance": balance.Dec()})
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	asset := s.vault.Asset()
	writeJSON(w, http.StatusOK, map[string]any{
		"code":     asset.Code,
		"token":    asset.Token.Hex(),
		"decimals": asset.Decimals,
	})
}

func (s *Server) handleOperatorStatus(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, chi.URLParam(r, "address"), "address")
	if !ok {
		return
	}
	isOperator, err := s.vault.IsOperator(r.Context(), addr)
	if err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "operator": isOperator})
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := s.vault.Operators(r.Context())
	if err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": out})
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	admin, err := s.vault.Admin(r.Context())
	if err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"admin": admin.Hex()})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	balance, err := s.vault.Credit(r.Context(), amount)
	if err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.Dec()})
}

func (s *Server) handleAddOperator(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req addressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr, ok := parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	if err := s.vault.AddOperator(r.Context(), caller, addr); err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveOperator(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	addr, ok := parseAddress(w, chi.URLParam(r, "address"), "address")
	if !ok {
		return
	}
	if err := s.vault.RemoveOperator(r.Context(), caller, addr); err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	recipient, ok := parseAddress(w, req.Recipient, "recipient")
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	withdrawal, err := s.vault.Withdraw(r.Context(), caller, recipient, amount)
	pending := withdrawal != nil && errors.Is(err, vault.ErrTransferPending)
	if err != nil && !pending {
		s.writeVaultError(w, r, err)
		return
	}
	status := http.StatusOK
	if pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, withdrawalResponse{
		ID:          withdrawal.ID.String(),
		Recipient:   withdrawal.Recipient.Hex(),
		Amount:      withdrawal.Amount.Dec(),
		Admin:       withdrawal.Admin.Hex(),
		TxRef:       withdrawal.TxRef,
		WithdrawnAt: withdrawal.WithdrawnAt,
		Pending:     pending,
	})
}

func (s *Server) handleTransferAdmin(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req addressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	next, ok := parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	if err := s.vault.TransferAdmin(r.Context(), caller, next); err != nil {
		s.writeVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"admin": next.Hex()})
}

// writeVaultError maps vault failures onto HTTP statuses. A replayed payment
// id answers 409 with the record of the settlement that consumed it.
func (s *Server) writeVaultError(w http.ResponseWriter, r *http.Request, err error) {
	kind := vault.ErrorKind(err)
	resp := errorResponse{Error: err.Error(), Kind: kind}
	status := http.StatusInternalServerError

	var (
		usedErr  *vault.AlreadyUsedError
		fundsErr *vault.InsufficientFundsError
	)
	switch {
	case errors.Is(err, vault.ErrRecordNotFound):
		status, resp.Kind = http.StatusNotFound, "not_found"
	case errors.Is(err, vault.ErrZeroAmount), errors.Is(err, vault.ErrInvalidRecipient), errors.Is(err, vault.ErrInvalidIdentity):
		status = http.StatusBadRequest
	case errors.Is(err, vault.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.As(err, &usedErr):
		status = http.StatusConflict
		if record, lookupErr := s.vault.Record(r.Context(), usedErr.PaymentID); lookupErr == nil {
			resp.Record = toRecordResponse(record)
		}
	case errors.As(err, &fundsErr):
		status = http.StatusUnprocessableEntity
		resp.Requested = fundsErr.Requested.Dec()
		resp.Available = fundsErr.Available.Dec()
	case errors.Is(err, vault.ErrTransferFailed):
		status = http.StatusBadGateway
	case errors.Is(err, vault.ErrBalanceOverflow):
		status, resp.Kind = http.StatusUnprocessableEntity, "overflow"
	case errors.Is(err, vault.ErrReentrantCall):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		s.logger.LogAttrs(r.Context(), slog.LevelError, "vault request failed",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("reason", kind),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload")
		return false
	}
	return true
}

func parseAddress(w http.ResponseWriter, raw, field string) (common.Address, bool) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		writeError(w, http.StatusBadRequest, "invalid_request", field+" must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(trimmed), true
}

func parseAmount(w http.ResponseWriter, raw string) (*uint256.Int, bool) {
	amount, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "amount must be a base-10 integer")
		return nil, false
	}
	return amount, true
}

func parseUintQuery(r *http.Request, key string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}
