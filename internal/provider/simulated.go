package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akylbek/payment-system/auction-settlement/internal/models"
)

type simulatedAuth struct {
	amount   int64
	captured int64
	released bool
}

// Simulated is an in-process payment provider with idempotent operations.
// Failures can be injected per operation for development and tests.
type Simulated struct {
	mu       sync.Mutex
	auths    map[string]*simulatedAuth
	authKeys map[string]string
	applied  map[string]bool
	failures map[string][]error
	calls    map[string]int
	latency  time.Duration
}

func NewSimulated() *Simulated {
	return &Simulated{
		auths:    make(map[string]*simulatedAuth),
		authKeys: make(map[string]string),
		applied:  make(map[string]bool),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// SetLatency delays every call by d, or until the caller's context ends.
func (s *Simulated) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// FailNext queues errs to be returned by the next calls of op, one per call.
func (s *Simulated) FailNext(op string, errs ...error) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], errs...)
	s.mu.Unlock()
}

// Calls returns how many times op was invoked, including failed calls.
func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Captured returns the amount captured on ref.
func (s *Simulated) Captured(ref string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.auths[ref]; ok {
		return a.captured
	}
	return 0
}

// Released reports whether ref was released.
func (s *Simulated) Released(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[ref]
	return ok && a.released
}

func (s *Simulated) begin(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	latency := s.latency
	var injected error
	if queue := s.failures[op]; len(queue) > 0 {
		injected = queue[0]
		s.failures[op] = queue[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return injected
}

func (s *Simulated) CreateAuthorization(ctx context.Context, amount int64, idempotencyKey string) (string, error) {
	if err := s.begin(ctx, OpAuthorize); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.authKeys[idempotencyKey]; ok {
		return ref, nil
	}
	if amount <= 0 {
		return "", &models.ProviderError{Code: CodeDeclined, Message: "amount must be positive"}
	}
	ref := "auth_" + uuid.NewString()
	s.auths[ref] = &simulatedAuth{amount: amount}
	s.authKeys[idempotencyKey] = ref
	return ref, nil
}

func (s *Simulated) Capture(ctx context.Context, holdRef string, amount int64, idempotencyKey string) error {
	if err := s.begin(ctx, OpCapture); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[idempotencyKey] {
		return nil
	}
	a, ok := s.auths[holdRef]
	switch {
	case !ok:
		return &models.ProviderError{Code: CodeUnknownHold, Message: holdRef}
	case a.released:
		return &models.ProviderError{Code: CodeAlreadyReleased, Message: holdRef}
	case a.captured > 0:
		return &models.ProviderError{Code: CodeAlreadyCaptured, Message: holdRef}
	case amount > a.amount:
		return &models.ProviderError{Code: CodeAmountExceeded, Message: fmt.Sprintf("capture %d exceeds authorized %d", amount, a.amount)}
	}
	a.captured = amount
	s.applied[idempotencyKey] = true
	return nil
}

func (s *Simulated) Release(ctx context.Context, holdRef string, idempotencyKey string) error {
	if err := s.begin(ctx, OpRelease); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[idempotencyKey] {
		return nil
	}
	a, ok := s.auths[holdRef]
	switch {
	case !ok:
		return &models.ProviderError{Code: CodeUnknownHold, Message: holdRef}
	case a.captured > 0:
		return &models.ProviderError{Code: CodeAlreadyCaptured, Message: holdRef}
	}
	a.released = true
	s.applied[idempotencyKey] = true
	return nil
}
