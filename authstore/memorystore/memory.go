// Package memorystore provides the in-memory authstore.Store used by a
// single-process gateway. All state is lost on restart; deployments that need
// durability or horizontal scale should use the redisstore package instead.
package memorystore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/commsio/mcp-gateway/authstore"
)

var _ authstore.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithCodeTTL overrides the authorization code lifetime.
func WithCodeTTL(ttl time.Duration) Option {
	return func(s *Store) { s.codeTTL = ttl }
}

// WithSessionTTL overrides the flow session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Store) { s.sessionTTL = ttl }
}

// WithLogger sets the slog.Logger used for store events. Defaults to discard.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithSweepInterval overrides the cadence of the background expiry sweep.
// A non-positive value disables the background sweeper; expired entries are
// then only evicted opportunistically on mutation.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// Store keeps authorization codes and flow sessions in two mutex-guarded
// maps. Every mutation opportunistically evicts expired entries, and a
// background sweeper bounds growth under read-only workloads.
type Store struct {
	mu       sync.Mutex
	codes    map[string]*authstore.AuthCode
	sessions map[string]*authstore.FlowSession
	// byState indexes the most recent session per state value so callbacks
	// resolve deterministically even if a state were ever reused.
	byState map[string]string

	codeTTL       time.Duration
	sessionTTL    time.Duration
	sweepInterval time.Duration

	log  *slog.Logger
	done chan struct{}
	once sync.Once
}

// New constructs a Store and starts its background expiry sweeper.
func New(opts ...Option) *Store {
	s := &Store{
		codes:         make(map[string]*authstore.AuthCode),
		sessions:      make(map[string]*authstore.FlowSession),
		byState:       make(map[string]string),
		codeTTL:       authstore.DefaultCodeTTL,
		sessionTTL:    authstore.DefaultSessionTTL,
		sweepInterval: time.Minute,
		log:           slog.New(slog.DiscardHandler),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}
	return s
}

// Close stops the background sweeper. The maps remain usable afterwards.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *Store) CreateAuthCode(ctx context.Context, params authstore.AuthCodeParams) (string, error) {
	code := authstore.NewToken()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = &authstore.AuthCode{
		Code:              code,
		UpstreamToken:     params.UpstreamToken,
		UpstreamTokenData: params.UpstreamTokenData,
		Profile:           params.Profile,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.codeTTL),
		State:             params.State,
		RedirectURI:       params.RedirectURI,
		PKCEChallenge:     params.PKCEChallenge,
		PKCEMethod:        params.PKCEMethod,
	}
	s.evictExpiredCodesLocked(now)

	s.log.InfoContext(ctx, "authcode.create", slog.String("email", params.Profile.Email))
	return code, nil
}

func (s *Store) GetAuthCode(ctx context.Context, code string) (*authstore.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.codes[code]
	if !ok {
		return nil, nil
	}
	if time.Now().After(data.ExpiresAt) {
		delete(s.codes, code)
		s.log.WarnContext(ctx, "authcode.expired", slog.String("code", abbrev(code)))
		return nil, nil
	}
	if data.Used {
		s.log.WarnContext(ctx, "authcode.already_used", slog.String("code", abbrev(code)))
		return nil, nil
	}
	cp := *data
	return &cp, nil
}

// ConsumeAuthCode looks up a live code and marks it used in one critical
// section, so only one of any number of concurrent exchanges can win.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*authstore.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.codes[code]
	if !ok {
		return nil, nil
	}
	if time.Now().After(data.ExpiresAt) {
		delete(s.codes, code)
		s.log.WarnContext(ctx, "authcode.expired", slog.String("code", abbrev(code)))
		return nil, nil
	}
	if data.Used {
		s.log.WarnContext(ctx, "authcode.already_used", slog.String("code", abbrev(code)))
		return nil, nil
	}
	data.Used = true
	s.log.InfoContext(ctx, "authcode.consume", slog.String("code", abbrev(code)))
	cp := *data
	return &cp, nil
}

func (s *Store) MarkCodeUsed(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.codes[code]
	if !ok {
		return false, nil
	}
	data.Used = true
	return true, nil
}

func (s *Store) CreateSession(ctx context.Context, params authstore.SessionParams) (string, error) {
	id := authstore.NewToken()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &authstore.FlowSession{
		ID:            id,
		State:         params.State,
		RedirectURI:   params.RedirectURI,
		CreatedAt:     now,
		PKCEChallenge: params.PKCEChallenge,
		PKCEMethod:    params.PKCEMethod,
	}
	// Most-recent session wins for a given state value.
	s.byState[params.State] = id
	s.evictExpiredSessionsLocked(now)

	s.log.InfoContext(ctx, "session.create", slog.String("session_id", abbrev(id)))
	return id, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*authstore.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveSessionLocked(ctx, sessionID), nil
}

func (s *Store) GetSessionByState(ctx context.Context, state string) (*authstore.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byState[state]
	if !ok {
		return nil, nil
	}
	return s.liveSessionLocked(ctx, id), nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	s.removeSessionLocked(data)
	s.log.InfoContext(ctx, "session.delete", slog.String("session_id", abbrev(sessionID)))
	return true, nil
}

func (s *Store) liveSessionLocked(ctx context.Context, sessionID string) *authstore.FlowSession {
	data, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if time.Since(data.CreatedAt) > s.sessionTTL {
		s.removeSessionLocked(data)
		s.log.WarnContext(ctx, "session.expired", slog.String("session_id", abbrev(sessionID)))
		return nil
	}
	cp := *data
	return &cp
}

func (s *Store) removeSessionLocked(data *authstore.FlowSession) {
	delete(s.sessions, data.ID)
	if s.byState[data.State] == data.ID {
		delete(s.byState, data.State)
	}
}

func (s *Store) evictExpiredCodesLocked(now time.Time) {
	var evicted int
	for code, data := range s.codes {
		if now.After(data.ExpiresAt) {
			delete(s.codes, code)
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Info("authcode.sweep", slog.Int("evicted", evicted))
	}
}

func (s *Store) evictExpiredSessionsLocked(now time.Time) {
	var evicted int
	for _, data := range s.sessions {
		if now.Sub(data.CreatedAt) > s.sessionTTL {
			s.removeSessionLocked(data)
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Info("session.sweep", slog.Int("evicted", evicted))
	}
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			s.evictExpiredCodesLocked(now)
			s.evictExpiredSessionsLocked(now)
			s.mu.Unlock()
		}
	}
}

// abbrev shortens opaque tokens for logging so full secrets never land in logs.
func abbrev(tok string) string {
	if len(tok) <= 8 {
		return tok
	}
	return tok[:8] + "..."
}
