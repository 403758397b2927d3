// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"fmt"
	"sync"
)

// MockMembership is a test implementation of the membership provider.
type MockMembership struct {
	mu       sync.RWMutex
	accounts map[string]bool
	admins   map[string]map[string]bool
}

// NewMockMembership creates a membership provider that knows the given accounts.
func NewMockMembership(accounts ...string) *MockMembership {
	m := &MockMembership{
		accounts: make(map[string]bool),
		admins:   make(map[string]map[string]bool),
	}
	for _, a := range accounts {
		m.accounts[a] = true
	}
	return m
}

// AddAccount registers an account as valid.
func (m *MockMembership) AddAccount(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account] = true
}

// AddAdmin marks signer as an admin of the given safe.
func (m *MockMembership) AddAdmin(safeID, signer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admins[safeID] == nil {
		m.admins[safeID] = make(map[string]bool)
	}
	m.admins[safeID][signer] = true
}

// IsValidAccount reports whether the account is known.
func (m *MockMembership) IsValidAccount(account string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[account]
}

// IsSafeAdmin reports whether signer administers the safe.
func (m *MockMembership) IsSafeAdmin(safeID, signer string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admins[safeID][signer]
}

// MockCreditEngine is a scriptable credit facility for tests.
type MockCreditEngine struct {
	mu sync.Mutex

	BorrowErr       error
	RepayErr        error
	HealthErr       error
	FailHealthTimes int

	Borrowed map[string]int64
	Repaid   map[string]int64
	Calls    []string
}

// NewMockCreditEngine returns a credit engine that approves everything.
func NewMockCreditEngine() *MockCreditEngine {
	return &MockCreditEngine{
		Borrowed: make(map[string]int64),
		Repaid:   make(map[string]int64),
	}
}

// Borrow records the draw and returns the configured error, if any.
func (m *MockCreditEngine) Borrow(_ context.Context, account, sponsor, token string, amountUSD int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("borrow:%s:%s:%d", account, token, amountUSD))
	if m.BorrowErr != nil {
		return m.BorrowErr
	}
	m.Borrowed[account] += amountUSD
	return nil
}

// Repay records the repayment and returns the configured error, if any.
func (m *MockCreditEngine) Repay(_ context.Context, account, token string, amountUSD int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("repay:%s:%s:%d", account, token, amountUSD))
	if m.RepayErr != nil {
		return m.RepayErr
	}
	m.Repaid[account] += amountUSD
	return nil
}

// EnsureHealth fails FailHealthTimes times, then returns HealthErr.
func (m *MockCreditEngine) EnsureHealth(_ context.Context, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "health:"+account)
	if m.FailHealthTimes > 0 {
		m.FailHealthTimes--
		return fmt.Errorf("position unhealthy: %s", account)
	}
	return m.HealthErr
}

// ConvertUSDToToken converts one-to-one.
func (m *MockCreditEngine) ConvertUSDToToken(_ context.Context, token string, amountUSD int64) (int64, error) {
	return amountUSD, nil
}

// MockPayout is a scriptable cashback payout sink.
type MockPayout struct {
	mu sync.Mutex

	Declined bool
	Err      error

	Paid map[string]int64
}

// NewMockPayout returns a payout that accepts every payment.
func NewMockPayout() *MockPayout {
	return &MockPayout{Paid: make(map[string]int64)}
}

// Pay records the payment keyed by "recipient|token".
func (m *MockPayout) Pay(_ context.Context, recipient, token string, usdAmount int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, false, m.Err
	}
	if m.Declined {
		return 0, false, nil
	}
	m.Paid[recipient+"|"+token] += usdAmount
	return usdAmount, true, nil
}

// PaidTo returns the total paid to a recipient in a token.
func (m *MockPayout) PaidTo(recipient, token string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Paid[recipient+"|"+token]
}

// MockRouter routes every sponsor to a fixed destination.
type MockRouter struct {
	Dest string
}

// Destination returns the configured destination, defaulting to the sponsor.
func (m *MockRouter) Destination(sponsor string) (string, error) {
	if m.Dest != "" {
		return m.Dest, nil
	}
	return sponsor, nil
}

// MockVerifier accepts every signature and hands out sequential nonces.
type MockVerifier struct {
	mu     sync.Mutex
	nonces map[string]uint64

	Reject bool
}

// NewMockVerifier returns a verifier that approves everything.
func NewMockVerifier() *MockVerifier {
	return &MockVerifier{nonces: make(map[string]uint64)}
}

// CheckQuorum approves unless Reject is set.
func (m *MockVerifier) CheckQuorum(digest []byte, signers []string, signatures [][]byte) bool {
	return !m.Reject
}

// IsAdmin reports true unless Reject is set.
func (m *MockVerifier) IsAdmin(account, signer string) bool {
	return !m.Reject
}

// NextNonce returns the account's current nonce without advancing it.
func (m *MockVerifier) NextNonce(account string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[account]
}

// ConsumeNonce advances the account's nonce.
func (m *MockVerifier) ConsumeNonce(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[account]++
}
