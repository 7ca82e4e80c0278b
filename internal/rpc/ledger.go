package rpc

import (
	"context"
	"encoding/json"

	"github.com/Klingon-tech/walletsync/internal/accounts"
	"github.com/Klingon-tech/walletsync/internal/ledger"
)

// ========================================
// Ledger connection handlers
// ========================================

// LedgerStateResult is the response for ledger_state and the payload of
// ledger_state events.
type LedgerStateResult struct {
	Mode    ledger.Mode            `json:"mode"`
	State   ledger.ConnectionState `json:"state"`
	Devices []ledger.Device        `json:"devices,omitempty"`
}

// LedgerModeParams is the parameters for ledger_setMode.
type LedgerModeParams struct {
	Mode string `json:"mode"`
}

func (s *Server) ledgerSetMode(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p LedgerModeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	mode, err := ledger.ParseMode(p.Mode)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.SetMode(mode); err != nil {
		return nil, err
	}
	s.discovery.Reset()
	return s.ledgerStateResult(), nil
}

func (s *Server) ledgerStartConnection(ctx context.Context, params json.RawMessage) (interface{}, error) {
	m := s.ledger.Active()
	mode := m.Mode()
	s.discovery.Reset()
	m.StartConnection(func(state ledger.ConnectionState) {
		s.wsHub.Broadcast(EventLedgerState, &LedgerStateResult{Mode: mode, State: state})
	})
	return s.ledgerStateResult(), nil
}

func (s *Server) ledgerStopConnection(ctx context.Context, params json.RawMessage) (interface{}, error) {
	s.ledger.Active().StopConnection()
	return s.ledgerStateResult(), nil
}

func (s *Server) ledgerState(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.ledgerStateResult(), nil
}

func (s *Server) ledgerStateResult() *LedgerStateResult {
	m := s.ledger.Active()
	return &LedgerStateResult{
		Mode:    m.Mode(),
		State:   m.State(),
		Devices: m.Devices(),
	}
}

// ========================================
// Ledger multi-wallet import handlers
// ========================================

// DiscoveryResult lists the discovered wallets.
type DiscoveryResult struct {
	Wallets []ledger.DiscoveredWallet `json:"wallets"`
}

func (s *Server) ledgerRequestMoreWallets(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.discovery.RequestMoreWallets(ctx); err != nil {
		return nil, err
	}
	return &DiscoveryResult{Wallets: s.discovery.Wallets()}, nil
}

// ToggleWalletParams is the parameters for ledger_toggleWallet.
type ToggleWalletParams struct {
	Index uint32 `json:"index"`
}

func (s *Server) ledgerToggleWallet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ToggleWalletParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	status, err := s.discovery.Toggle(p.Index)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"index": p.Index, "status": status}, nil
}

func (s *Server) ledgerFinalizeImport(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.discovery.FinalizeImport(ctx)
	if err != nil {
		return nil, err
	}
	s.wsHub.Broadcast(EventAccountsChanged, map[string]string{"activeId": id})
	return map[string]string{"accountId": id}, nil
}

// ========================================
// Event sinks
// ========================================

// NotifyBalance publishes a balance refresh as a wallet_updated event.
func (s *Server) NotifyBalance(u accounts.BalanceUpdate) {
	s.wsHub.Broadcast(EventWalletUpdated, u)
}

// NotifyDiscovery publishes the discovered wallets as a discovery_updated event.
func (s *Server) NotifyDiscovery(wallets []ledger.DiscoveredWallet) {
	s.wsHub.Broadcast(EventDiscoveryUpdated, &DiscoveryResult{Wallets: wallets})
}
