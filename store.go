package takagi

import (
	"sync"
	"time"
)

// AuthorizationRequest is an in-flight authorization transaction, created
// at /authorize and consumed exactly once by the upstream callback.
type AuthorizationRequest struct {
	ClientID         string
	Scopes           []string
	RedirectURI      string // fixed /r subpath form
	State            string // the relying party's own state
	Nonce            string
	CodeChallenge    string
	ChallengeMethod  string
	Referer          string
	ReturnToReferrer bool
	Issuer           string

	expiresAt time.Time
}

// grant is the server-side state behind an authorization code: everything
// needed to redeem the upstream code and mint tokens. The upstream
// exchange happens at redemption time, when the relying party presents
// its upstream client secret.
type grant struct {
	UpstreamCode    string
	ClientID        string
	RedirectURI     string // fixed /r subpath form
	Scopes          []string
	Nonce           string
	CodeChallenge   string
	ChallengeMethod string

	consumed  bool
	expiresAt time.Time
}

type txnStore struct {
	mu  sync.Mutex
	m   map[string]*AuthorizationRequest
	ttl time.Duration
	now func() time.Time
}

func newTxnStore(ttl time.Duration, now func() time.Time) *txnStore {
	return &txnStore{
		m:   make(map[string]*AuthorizationRequest),
		ttl: ttl,
		now: now,
	}
}

func (s *txnStore) Put(ref string, req *AuthorizationRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep()
	req.expiresAt = s.now().Add(s.ttl)
	s.m[ref] = req
}

// Consume removes and returns the transaction for ref. At most one caller
// observes any given transaction.
func (s *txnStore) Consume(ref string) (*AuthorizationRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.m[ref]
	if !ok || s.now().After(req.expiresAt) {
		delete(s.m, ref)
		return nil, false
	}

	delete(s.m, ref)

	return req, true
}

func (s *txnStore) sweep() {
	now := s.now()

	for ref, req := range s.m {
		if now.After(req.expiresAt) {
			delete(s.m, ref)
		}
	}
}

type codeStore struct {
	mu  sync.Mutex
	m   map[string]*grant
	ttl time.Duration
	now func() time.Time
}

func newCodeStore(ttl time.Duration, now func() time.Time) *codeStore {
	return &codeStore{
		m:   make(map[string]*grant),
		ttl: ttl,
		now: now,
	}
}

func (s *codeStore) Put(code string, g *grant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep()
	g.expiresAt = s.now().Add(s.ttl)
	s.m[code] = g
}

// Consume marks the code consumed and returns its grant. A second call
// for the same code fails regardless of the order redemptions arrive in.
func (s *codeStore) Consume(code string) (*grant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.m[code]
	if !ok || g.consumed || s.now().After(g.expiresAt) {
		return nil, false
	}

	g.consumed = true

	return g, true
}

func (s *codeStore) sweep() {
	now := s.now()

	for code, g := range s.m {
		if now.After(g.expiresAt) {
			delete(s.m, code)
		}
	}
}

// replayStore records redeemed refresh-token IDs until their expiry so a
// rotated-out refresh token cannot be replayed.
type replayStore struct {
	mu  sync.Mutex
	m   map[string]time.Time
	now func() time.Time
}

func newReplayStore(now func() time.Time) *replayStore {
	return &replayStore{
		m:   make(map[string]time.Time),
		now: now,
	}
}

// MarkUsed records jti as redeemed. It returns false when jti was already
// redeemed; exactly one concurrent caller wins.
func (s *replayStore) MarkUsed(jti string, expiresAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	for id, exp := range s.m {
		if now.After(exp) {
			delete(s.m, id)
		}
	}

	if _, used := s.m[jti]; used {
		return false
	}

	s.m[jti] = expiresAt

	return true
}
