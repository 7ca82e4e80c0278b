package rpc

import (
	"context"
	"encoding/json"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/storage"
)

// ========================================
// Account handlers
// ========================================

// AccountInfo is an account as returned by accounts_list.
type AccountInfo struct {
	*storage.Account
	Active   bool                   `json:"active"`
	Balances map[chain.Chain]uint64 `json:"balances,omitempty"`
}

// AccountsListResult is the response for accounts_list.
type AccountsListResult struct {
	Accounts []AccountInfo `json:"accounts"`
	ActiveID string        `json:"activeId,omitempty"`
}

func (s *Server) accountsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	list, err := s.accounts.Accounts()
	if err != nil {
		return nil, err
	}
	active := s.accounts.ActiveAccountID()
	res := &AccountsListResult{Accounts: make([]AccountInfo, 0, len(list)), ActiveID: active}
	for _, acc := range list {
		res.Accounts = append(res.Accounts, AccountInfo{
			Account:  acc,
			Active:   acc.ID == active,
			Balances: s.accounts.Balances(acc.ID),
		})
	}
	return res, nil
}

// AccountIDParams selects one account.
type AccountIDParams struct {
	AccountID string `json:"accountId"`
}

func (p *AccountIDParams) validate() error {
	if p.AccountID == "" {
		return invalidParams("accountId is required")
	}
	if _, err := chain.AccountNetwork(p.AccountID); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func (s *Server) accountsSetActive(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AccountIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := s.accounts.SetActiveAccount(p.AccountID); err != nil {
		return nil, err
	}
	s.wsHub.Broadcast(EventAccountsChanged, map[string]string{"activeId": p.AccountID})
	return map[string]interface{}{"success": true}, nil
}

// ImportMnemonicParams is the parameters for accounts_importMnemonic.
type ImportMnemonicParams struct {
	Mnemonic string `json:"mnemonic"`
	Password string `json:"password"`
	Title    string `json:"title,omitempty"`
	// Network defaults to the daemon network.
	Network chain.Network `json:"network,omitempty"`
}

func (s *Server) accountsImportMnemonic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ImportMnemonicParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Mnemonic == "" {
		return nil, invalidParams("mnemonic is required")
	}
	if p.Password == "" {
		return nil, invalidParams("password is required")
	}
	network, err := s.paramNetwork(p.Network)
	if err != nil {
		return nil, err
	}

	acc, err := s.accounts.ImportMnemonic(p.Mnemonic, p.Password, network, p.Title)
	if err != nil {
		return nil, invalidParams("failed to import mnemonic: %v", err)
	}
	s.wsHub.Broadcast(EventAccountsChanged, map[string]string{"added": acc.ID})
	return acc, nil
}

// AddViewParams is the parameters for accounts_addView.
type AddViewParams struct {
	Address string        `json:"address"`
	Title   string        `json:"title,omitempty"`
	Network chain.Network `json:"network,omitempty"`
}

func (s *Server) accountsAddView(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AddViewParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Address == "" {
		return nil, invalidParams("address is required")
	}
	network, err := s.paramNetwork(p.Network)
	if err != nil {
		return nil, err
	}

	acc, err := s.accounts.AddViewAccount(p.Address, network, p.Title)
	if err != nil {
		return nil, err
	}
	s.wsHub.Broadcast(EventAccountsChanged, map[string]string{"added": acc.ID})
	return acc, nil
}

func (s *Server) accountsRemove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AccountIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := s.accounts.RemoveAccount(p.AccountID); err != nil {
		return nil, err
	}
	s.wsHub.Broadcast(EventAccountsChanged, map[string]string{"removed": p.AccountID})
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) paramNetwork(n chain.Network) (chain.Network, error) {
	if n == "" {
		return s.network, nil
	}
	network, err := chain.ParseNetwork(string(n))
	if err != nil {
		return "", invalidParams("%v", err)
	}
	return network, nil
}

// ========================================
// App handlers
// ========================================

// SetFocusedParams is the parameters for app_setFocused.
type SetFocusedParams struct {
	Focused bool `json:"focused"`
}

func (s *Server) appSetFocused(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SetFocusedParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	s.focus.SetFocused(p.Focused)
	return map[string]interface{}{"focused": p.Focused}, nil
}
