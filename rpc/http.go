package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"propertyescrow/core"
	coreerrors "propertyescrow/core/errors"
	"propertyescrow/integrations/eventlog"
	"propertyescrow/observability"
	"propertyescrow/observability/logging"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	requestIDHeader = "X-Request-Id"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeAuthRequired   = -32001
	codeRateLimited    = -32020

	codeUnauthorized       = -32031
	codePreconditionFailed = -32032
	codeNotFound           = -32033
	codeTransferFailed     = -32034
	codeInternal           = -32035
	codePaused             = -32036
)

// EventJournal is the read side of the committed event log.
type EventJournal interface {
	List(ctx context.Context, filter eventlog.Filter) ([]eventlog.Record, error)
}

// ServerConfig carries the settings the JSON-RPC server needs at start-up.
type ServerConfig struct {
	JWTSecret         string
	RequestsPerSecond float64
	Burst             int
	// TrustProxyHeaders honours X-Forwarded-For from every peer. Leave it
	// off unless a proxy in front of the node rewrites the header.
	TrustProxyHeaders bool
	// TrustedProxies lists peer IPs whose X-Forwarded-For is honoured.
	TrustedProxies []string
	Logger         *slog.Logger
}

// Server exposes the title registry and the escrow engine over JSON-RPC 2.0.
type Server struct {
	node    *core.Node
	journal EventJournal
	auth    *authenticator
	limiter *rateLimiter
	logger  *slog.Logger

	trustProxyHeaders bool
	trustedProxies    map[string]struct{}
}

// NewServer constructs a server bound to node. journal may be nil, in which
// case events_list reports the journal as unavailable.
func NewServer(node *core.Node, journal EventJournal, cfg ServerConfig) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("rpc: node required")
	}
	auth, err := newAuthenticator(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		if trimmed := strings.TrimSpace(proxy); trimmed != "" {
			trusted[trimmed] = struct{}{}
		}
	}
	return &Server{
		node:              node,
		journal:           journal,
		auth:              auth,
		limiter:           newRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:            logger.With(slog.String("component", "rpc")),
		trustProxyHeaders: cfg.TrustProxyHeaders,
		trustedProxies:    trusted,
	}, nil
}

// Routes returns the HTTP handler serving JSON-RPC on "/" and a liveness probe
// on "/healthz".
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodPost, "/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "jsonrpc"))
	return r
}

type requestIDKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeNodeError maps the core error taxonomy onto JSON-RPC codes and HTTP
// statuses. Errors outside the taxonomy are logged and answered generically.
func (s *Server) writeNodeError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, coreerrors.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, coreerrors.ErrPreconditionFailed):
		writeError(w, http.StatusConflict, id, codePreconditionFailed, "precondition_failed", err.Error())
	case errors.Is(err, coreerrors.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, "not_found", err.Error())
	case errors.Is(err, coreerrors.ErrTransferFailed):
		writeError(w, http.StatusConflict, id, codeTransferFailed, "transfer_failed", err.Error())
	case errors.Is(err, coreerrors.ErrPaused):
		writeError(w, http.StatusServiceUnavailable, id, codePaused, "paused", err.Error())
	default:
		s.logger.Error("rpc internal error", slog.Any("id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, id, codeInternal, "internal_error", nil)
	}
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := ""
	defer func() {
		module := "rpc"
		if idx := strings.Index(method, "_"); idx > 0 {
			module = method[:idx]
		}
		observability.ModuleMetrics().Observe(module, method, recorder.status, time.Since(start))
		s.logger.Debug("rpc request",
			slog.String("requestId", requestIDFrom(r.Context())),
			slog.String("method", method),
			slog.Int("status", recorder.status),
			slog.Duration("duration", time.Since(start)))
	}()

	reader := http.MaxBytesReader(recorder, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	recorder.Header().Set("Content-Type", "application/json")

	if !s.limiter.allow(s.clientSource(r)) {
		observability.ModuleMetrics().RecordThrottle("rpc", "rate_limit")
		writeError(recorder, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(recorder, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(recorder, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(recorder, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	method = req.Method
	s.dispatch(recorder, r, req)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "title_mint":
		s.handleTitleMint(w, r, req)
	case "title_approve":
		s.handleTitleApprove(w, r, req)
	case "title_transferFrom":
		s.handleTitleTransferFrom(w, r, req)
	case "title_get":
		s.handleTitleGet(w, r, req)
	case "title_ownerOf":
		s.handleTitleOwnerOf(w, r, req)
	case "title_tokenURI":
		s.handleTitleTokenURI(w, r, req)
	case "title_getApproved":
		s.handleTitleGetApproved(w, r, req)
	case "title_balanceOf":
		s.handleTitleBalanceOf(w, r, req)
	case "title_totalSupply":
		s.handleTitleTotalSupply(w, r, req)
	case "escrow_roles":
		s.handleEscrowRoles(w, r, req)
	case "escrow_list":
		s.handleEscrowList(w, r, req)
	case "escrow_depositEarnest":
		s.handleEscrowDepositEarnest(w, r, req)
	case "escrow_fund":
		s.handleEscrowFund(w, r, req)
	case "escrow_updateInspection":
		s.handleEscrowUpdateInspection(w, r, req)
	case "escrow_approveSale":
		s.handleEscrowApproveSale(w, r, req)
	case "escrow_finalizeSale":
		s.handleEscrowFinalizeSale(w, r, req)
	case "escrow_cancelSale":
		s.handleEscrowCancelSale(w, r, req)
	case "escrow_get":
		s.handleEscrowGet(w, r, req)
	case "escrow_isListed":
		s.handleEscrowIsListed(w, r, req)
	case "escrow_approval":
		s.handleEscrowApproval(w, r, req)
	case "escrow_reserved":
		s.handleEscrowReserved(w, r, req)
	case "escrow_listingsForBuyer":
		s.handleEscrowListingsForBuyer(w, r, req)
	case "escrow_balance":
		s.handleEscrowBalance(w, r, req)
	case "bank_balance":
		s.handleBankBalance(w, r, req)
	case "events_list":
		s.handleEventsList(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// requireCaller resolves the authenticated caller or writes a 401 response.
func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request, req *RPCRequest) ([20]byte, bool) {
	caller, err := s.auth.caller(r)
	if err != nil {
		s.logger.Warn("rpc authentication failed",
			slog.String("requestId", requestIDFrom(r.Context())),
			slog.String("method", req.Method),
			logging.MaskField("authorization", r.Header.Get("Authorization")),
			slog.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, req.ID, codeAuthRequired, "unauthenticated", err.Error())
		return [20]byte{}, false
	}
	return caller, true
}

// decodeParams unmarshals the single parameter object expected by most
// methods.
func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func requireNoParams(w http.ResponseWriter, req *RPCRequest) bool {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "no parameters expected")
		return false
	}
	return true
}
