package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/Klingon-tech/walletsync/pkg/logging"
)

// Service owns one Manager per transport and routes everything to the one
// selected by SetMode.
type Service struct {
	mu       sync.RWMutex
	managers map[Mode]*Manager
	mode     Mode
	log      *logging.Logger
}

// NewService creates a service with the given managers. mode must be one of
// their modes.
func NewService(mode Mode, managers ...*Manager) (*Service, error) {
	s := &Service{
		managers: make(map[Mode]*Manager, len(managers)),
		log:      logging.GetDefault().Component("ledger"),
	}
	for _, m := range managers {
		s.managers[m.Mode()] = m
	}
	if _, ok := s.managers[mode]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	s.mode = mode
	return s, nil
}

// SetMode switches the active transport. The previous manager is stopped.
func (s *Service) SetMode(mode Mode) error {
	s.mu.Lock()
	if _, ok := s.managers[mode]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	prev := s.managers[s.mode]
	changed := s.mode != mode
	s.mode = mode
	s.mu.Unlock()

	if changed {
		s.log.Info("Ledger connection mode changed", "mode", mode)
		prev.StopConnection()
	}
	return nil
}

// Mode returns the active transport mode.
func (s *Service) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Active returns the manager of the active transport.
func (s *Service) Active() *Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.managers[s.mode]
}

// Exchange forwards an APDU through the active manager.
func (s *Service) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	return s.Active().Exchange(ctx, apdu)
}

// ConnectedDevice returns the mode and device of a finished connection.
func (s *Service) ConnectedDevice() (Mode, *Device, bool) {
	m := s.Active()
	state := m.State()
	if state.Kind != StateDone || state.Device == nil {
		return m.Mode(), nil, false
	}
	return m.Mode(), state.Device, true
}

// Close stops every manager.
func (s *Service) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.managers {
		m.StopConnection()
	}
}
