// Package paymenttest provides an in-memory payment.Provider for tests and local runs.
package paymenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"imobilerepair/internal/payment"
)

// Fake records created sessions and lets tests mark them paid or expired.
type Fake struct {
	mu        sync.Mutex
	seq       int
	sessions  map[string]*payment.Session
	requests  []payment.SessionRequest
	CreateErr error
	GetErr    error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{sessions: make(map[string]*payment.Session)}
}

func (f *Fake) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.seq++
	var total int64
	for _, it := range req.Items {
		total += it.UnitAmount * it.Quantity
	}
	s := &payment.Session{
		ID:          fmt.Sprintf("cs_fake_%d", f.seq),
		OrderID:     req.OrderID,
		Status:      "open",
		AmountTotal: total,
	}
	s.URL = "https://checkout.fake/" + s.ID
	f.sessions[s.ID] = s
	f.requests = append(f.requests, req)
	out := *s
	return &out, nil
}

func (f *Fake) GetSession(_ context.Context, sessionID string) (*payment.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("no such session %q", sessionID)
	}
	out := *s
	return &out, nil
}

// ParseEvent accepts the JSON encoding of a payment.Event; the signature must be "valid".
func (f *Fake) ParseEvent(payload []byte, signatureHeader string) (*payment.Event, error) {
	if signatureHeader != "valid" {
		return nil, payment.ErrInvalidSignature
	}
	var evt payment.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrInvalidPayload, err)
	}
	return &evt, nil
}

// AddSession registers a session directly, e.g. one pointing at a different order.
func (f *Fake) AddSession(s payment.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := s
	f.sessions[s.ID] = &cp
}

// Pay marks the session as paid.
func (f *Fake) Pay(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Paid = true
		s.Status = payment.SessionStatusComplete
	}
}

// Complete marks the session as finished by the customer but not yet paid.
func (f *Fake) Complete(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = payment.SessionStatusComplete
	}
}

// Requests returns the session requests seen so far.
func (f *Fake) Requests() []payment.SessionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.SessionRequest(nil), f.requests...)
}
