package wallet

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"auxite/internal/model"
	"auxite/internal/pubsub"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotConnected is returned by operations that need a connected wallet.
var ErrNotConnected = errors.New("wallet not connected")

// Session tracks wallet connection state. Every balance, quote and trade operation
// is gated on it.
type Session struct {
	logger *slog.Logger

	mu    sync.RWMutex
	state model.WalletSession

	disconnects *pubsub.Broadcaster[model.WalletSession]
}

// NewSession creates a disconnected session.
func NewSession(logger *slog.Logger) *Session {
	return &Session{
		logger:      logger,
		disconnects: pubsub.New[model.WalletSession](),
	}
}

// Connect validates and stores the address in checksummed form. Connecting while
// connected to a different address disconnects first so dependent state is cleared.
func (s *Session) Connect(address string, chainID int64) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid wallet address %q", address)
	}
	checksummed := common.HexToAddress(address).Hex()

	s.mu.RLock()
	prev := s.state
	s.mu.RUnlock()
	if prev.Connected && prev.Address != checksummed {
		s.Disconnect()
	}

	s.mu.Lock()
	s.state = model.WalletSession{Connected: true, Address: checksummed, ChainID: chainID}
	s.mu.Unlock()

	s.logger.Info("WalletSession: connected", "address", checksummed, "chainId", chainID)
	return nil
}

// Disconnect clears the session and synchronously runs every disconnect hook.
func (s *Session) Disconnect() {
	s.mu.Lock()
	prev := s.state
	s.state = model.WalletSession{}
	s.mu.Unlock()

	if !prev.Connected {
		return
	}
	s.logger.Info("WalletSession: disconnected", "address", prev.Address)
	s.disconnects.Publish(prev)
}

// Snapshot returns the current state.
func (s *Session) Snapshot() model.WalletSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Address returns the connected address.
func (s *Session) Address() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Address, s.state.Connected
}

// RequireConnected returns the address or ErrNotConnected.
func (s *Session) RequireConnected() (string, error) {
	addr, ok := s.Address()
	if !ok {
		return "", ErrNotConnected
	}
	return addr, nil
}

// OnDisconnect registers a hook receiving the state that was just cleared.
func (s *Session) OnDisconnect(fn func(model.WalletSession)) (unsubscribe func()) {
	tok := s.disconnects.Subscribe(fn)
	return func() { s.disconnects.Unsubscribe(tok) }
}
