// Package paymenttest fakes the provider checkout APIs for tests.
package paymenttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// Server answers Stripe checkout-session and crypto charge creation.
type Server struct {
	*httptest.Server

	creates atomic.Int64
	fail    atomic.Bool

	mu       sync.Mutex
	sessions map[string]string // provider ref -> our session id
	hold     *hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

func NewServer(t testing.TB) *Server {
	s := &Server{sessions: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/checkout/sessions", s.stripeCheckout)
	mux.HandleFunc("POST /charges", s.cryptoCharge)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Creates counts successful checkout creations across both APIs.
func (s *Server) Creates() int64 { return s.creates.Load() }

// SetFailing makes every create answer 503.
func (s *Server) SetFailing(v bool) { s.fail.Store(v) }

// SessionFor returns our session id recorded for a provider reference.
func (s *Server) SessionFor(ref string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[ref]
}

// Hold parks checkout creation until release is called. entered receives
// once for each request that reaches the fake provider.
func (s *Server) Hold() (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}, 16), release: make(chan struct{})}
	s.mu.Lock()
	s.hold = h
	s.mu.Unlock()
	var once sync.Once
	return h.entered, func() {
		once.Do(func() {
			s.mu.Lock()
			s.hold = nil
			s.mu.Unlock()
			close(h.release)
		})
	}
}

func (s *Server) wait() {
	s.mu.Lock()
	h := s.hold
	s.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release
}

func (s *Server) unavailable(w http.ResponseWriter) bool {
	if !s.fail.Load() {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":{"message":"provider down"}}`))
	return true
}

func (s *Server) stripeCheckout(w http.ResponseWriter, r *http.Request) {
	s.wait()
	if s.unavailable(w) {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := s.creates.Add(1)
	ref := fmt.Sprintf("cs_test_%d", n)
	s.mu.Lock()
	s.sessions[ref] = r.PostForm.Get("metadata[session_id]")
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":  ref,
		"url": s.URL + "/pay/" + ref,
	})
}

func (s *Server) cryptoCharge(w http.ResponseWriter, r *http.Request) {
	s.wait()
	if s.unavailable(w) {
		return
	}
	var body struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := s.creates.Add(1)
	code := fmt.Sprintf("CHG%04d", n)
	s.mu.Lock()
	s.sessions[code] = body.Metadata["session_id"]
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{
			"id":         fmt.Sprintf("charge-%d", n),
			"code":       code,
			"hosted_url": s.URL + "/charges/" + code,
		},
	})
}

// StripeCompleted renders a checkout.session.completed event body.
func StripeCompleted(eventID, ref, sessionID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":                  ref,
			"object":              "checkout.session",
			"payment_status":      "paid",
			"client_reference_id": sessionID,
			"metadata":            map[string]string{"session_id": sessionID},
		}},
	})
	return body
}

// CryptoConfirmed renders a charge:confirmed event body.
func CryptoConfirmed(eventID, code, sessionID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id": "delivery-" + eventID,
		"event": map[string]any{
			"id":   eventID,
			"type": "charge:confirmed",
			"data": map[string]any{"code": code, "metadata": map[string]string{"session_id": sessionID}},
		},
	})
	return body
}
