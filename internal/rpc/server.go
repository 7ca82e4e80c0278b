// Package rpc provides the JSON-RPC 2.0 and WebSocket API of the walletsync daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Klingon-tech/walletsync/internal/accounts"
	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/ledger"
	"github.com/Klingon-tech/walletsync/internal/polling"
	"github.com/Klingon-tech/walletsync/internal/signer"
	"github.com/Klingon-tech/walletsync/internal/storage"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

// Config holds the components the API exposes.
type Config struct {
	Network   chain.Network
	Accounts  *accounts.Tracker
	Focus     *polling.FocusTracker
	Ledger    *ledger.Service
	Discovery *ledger.Discovery
	Signers   *signer.Factory
	Logger    *logging.Logger
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	network   chain.Network
	accounts  *accounts.Tracker
	focus     *polling.FocusTracker
	ledger    *ledger.Service
	discovery *ledger.Discovery
	signers   *signer.Factory
	log       *logging.Logger
	wsHub     *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes.
const (
	AccountNotFound = -32001
	InvalidPassword = -32002
	NotSupported    = -32003
	LedgerNotReady  = -32010
	LedgerRejected  = -32011
	LedgerOutdated  = -32012
	DiscoveryBusy   = -32013
	NothingSelected = -32014
)

// NewServer creates a new JSON-RPC server.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("rpc")
	}
	s := &Server{
		network:   cfg.Network,
		accounts:  cfg.Accounts,
		focus:     cfg.Focus,
		ledger:    cfg.Ledger,
		discovery: cfg.Discovery,
		signers:   cfg.Signers,
		log:       log,
		wsHub:     NewWSHub(log),
		handlers:  make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Account methods
	s.handlers["accounts_list"] = s.accountsList
	s.handlers["accounts_setActive"] = s.accountsSetActive
	s.handlers["accounts_importMnemonic"] = s.accountsImportMnemonic
	s.handlers["accounts_addView"] = s.accountsAddView
	s.handlers["accounts_remove"] = s.accountsRemove

	// App methods
	s.handlers["app_setFocused"] = s.appSetFocused

	// Ledger connection methods
	s.handlers["ledger_setMode"] = s.ledgerSetMode
	s.handlers["ledger_startConnection"] = s.ledgerStartConnection
	s.handlers["ledger_stopConnection"] = s.ledgerStopConnection
	s.handlers["ledger_state"] = s.ledgerState

	// Ledger multi-wallet import
	s.handlers["ledger_requestMoreWallets"] = s.ledgerRequestMoreWallets
	s.handlers["ledger_toggleWallet"] = s.ledgerToggleWallet
	s.handlers["ledger_finalizeImport"] = s.ledgerFinalizeImport

	// Signer methods
	s.handlers["signer_signTonProof"] = s.signerSignTonProof
	s.handlers["signer_signData"] = s.signerSignData
	s.handlers["signer_signTransfer"] = s.signerSignTransfer
	s.handlers["signer_encryptComment"] = s.signerEncryptComment
	s.handlers["signer_decryptComment"] = s.signerDecryptComment
}

// Handler returns the HTTP handler serving JSON-RPC on / and events on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server and the WebSocket hub.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server and the WebSocket hub.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == InternalError {
			s.log.Warn("RPC method failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// toRPCError maps domain errors to application error codes.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	codes := []struct {
		target error
		code   int
	}{
		{accounts.ErrInvalidAddress, InvalidParams},
		{ledger.ErrUnknownMode, InvalidParams},
		{ledger.ErrWalletNotFound, InvalidParams},
		{ledger.ErrWalletImported, InvalidParams},
		{signer.ErrPasswordRequired, InvalidParams},
		{signer.ErrBadTransaction, InvalidParams},
		{signer.ErrBadSignData, InvalidParams},
		{signer.ErrDecryptFailed, InvalidParams},
		{storage.ErrAccountNotFound, AccountNotFound},
		{signer.ErrInvalidPassword, InvalidPassword},
		{signer.ErrNotSupported, NotSupported},
		{ledger.ErrNotConnected, LedgerNotReady},
		{ledger.ErrWrongDevice, LedgerNotReady},
		{ledger.ErrRejectedByUser, LedgerRejected},
		{ledger.ErrHardwareOutdated, LedgerOutdated},
		{ledger.ErrBlindSigningNotEnabled, LedgerOutdated},
		{ledger.ErrDiscoveryBusy, DiscoveryBusy},
		{ledger.ErrNothingSelected, NothingSelected},
	}
	for _, c := range codes {
		if errors.Is(err, c.target) {
			return &Error{Code: c.code, Message: err.Error()}
		}
	}
	return &Error{Code: InternalError, Message: err.Error()}
}

// invalidParams wraps a parameter problem.
func invalidParams(format string, args ...interface{}) error {
	return &Error{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// decodeParams unmarshals params into v.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("params are required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Electron apps and local web clients call from arbitrary origins.
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
