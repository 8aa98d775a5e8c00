package testutil

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/sentaku/authserver/security"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by d.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to t.
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// NewSealer returns a sealer over a fixed key whose clock is clk. A nil clk
// uses the wall clock.
func NewSealer(tb testing.TB, clk *MockTime) *security.Sealer {
	tb.Helper()
	s, err := security.NewSealer(bytes.Repeat([]byte{0x42}, security.SealKeySize))
	if err != nil {
		tb.Fatalf("NewSealer: %v", err)
	}
	if clk != nil {
		s = s.WithClock(clk.Now)
	}
	return s
}

// PKCEPair returns a fresh verifier and its S256 challenge.
func PKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}
