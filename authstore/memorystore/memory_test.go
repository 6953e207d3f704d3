package memorystore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/commsio/mcp-gateway/authstore"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(append([]Option{WithSweepInterval(0)}, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewTokenShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		tok := authstore.NewToken()
		// 32 random bytes base64url-encoded without padding.
		if len(tok) != 43 {
			t.Fatalf("token length = %d, want 43", len(tok))
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Fatalf("token %q contains non-URL-safe characters", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token generated: %q", tok)
		}
		seen[tok] = true
	}
}

func TestAuthCodeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	code, err := s.CreateAuthCode(ctx, authstore.AuthCodeParams{
		UpstreamToken: "upstream-at",
		Profile:       authstore.UserProfile{ID: "u1", Email: "u1@example.com", DisplayName: "User One"},
		State:         "st",
		RedirectURI:   "https://client.example/cb",
		PKCEChallenge: "chal",
		PKCEMethod:    "S256",
	})
	if err != nil {
		t.Fatalf("CreateAuthCode: %v", err)
	}

	got, err := s.GetAuthCode(ctx, code)
	if err != nil {
		t.Fatalf("GetAuthCode: %v", err)
	}
	if got == nil {
		t.Fatal("expected live code, got absent")
	}
	if got.Profile.Email != "u1@example.com" || got.PKCEChallenge != "chal" {
		t.Fatalf("unexpected record: %+v", got)
	}

	ok, err := s.MarkCodeUsed(ctx, code)
	if err != nil || !ok {
		t.Fatalf("MarkCodeUsed = (%v, %v), want (true, nil)", ok, err)
	}

	// Used codes are absent even within the TTL window.
	got, err = s.GetAuthCode(ctx, code)
	if err != nil {
		t.Fatalf("GetAuthCode after use: %v", err)
	}
	if got != nil {
		t.Fatal("used code should be absent")
	}
}

func TestAuthCodeExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithCodeTTL(20*time.Millisecond))

	code, err := s.CreateAuthCode(ctx, authstore.AuthCodeParams{UpstreamToken: "at"})
	if err != nil {
		t.Fatalf("CreateAuthCode: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	got, err := s.GetAuthCode(ctx, code)
	if err != nil {
		t.Fatalf("GetAuthCode: %v", err)
	}
	if got != nil {
		t.Fatal("expired code should be absent")
	}
}

func TestConsumeAuthCodeSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	code, err := s.CreateAuthCode(ctx, authstore.AuthCodeParams{UpstreamToken: "at"})
	if err != nil {
		t.Fatalf("CreateAuthCode: %v", err)
	}

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := s.ConsumeAuthCode(ctx, code)
			if err != nil {
				t.Errorf("ConsumeAuthCode: %v", err)
				return
			}
			if got != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestConsumeReturnsRecordAndExhausts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	code, _ := s.CreateAuthCode(ctx, authstore.AuthCodeParams{
		Profile: authstore.UserProfile{ID: "u2"},
	})

	got, err := s.ConsumeAuthCode(ctx, code)
	if err != nil || got == nil {
		t.Fatalf("ConsumeAuthCode = (%v, %v), want record", got, err)
	}
	if got.Profile.ID != "u2" {
		t.Fatalf("profile id = %q, want u2", got.Profile.ID)
	}

	again, err := s.ConsumeAuthCode(ctx, code)
	if err != nil {
		t.Fatalf("second ConsumeAuthCode: %v", err)
	}
	if again != nil {
		t.Fatal("second consume should find nothing")
	}
}

func TestSessionByState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, authstore.SessionParams{
		State:         "abc",
		RedirectURI:   "https://client.example/cb",
		PKCEChallenge: "chal",
		PKCEMethod:    "S256",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess, err := s.GetSessionByState(ctx, "abc")
	if err != nil {
		t.Fatalf("GetSessionByState: %v", err)
	}
	if sess == nil || sess.ID != id {
		t.Fatalf("GetSessionByState = %+v, want session %s", sess, id)
	}

	if sess, _ := s.GetSessionByState(ctx, "nope"); sess != nil {
		t.Fatal("unknown state should be absent")
	}
}

func TestSessionByStateMostRecentWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _ = s.CreateSession(ctx, authstore.SessionParams{State: "dup", RedirectURI: "https://a"})
	second, _ := s.CreateSession(ctx, authstore.SessionParams{State: "dup", RedirectURI: "https://b"})

	sess, err := s.GetSessionByState(ctx, "dup")
	if err != nil {
		t.Fatalf("GetSessionByState: %v", err)
	}
	if sess == nil || sess.ID != second {
		t.Fatalf("expected most recent session %s, got %+v", second, sess)
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithSessionTTL(20*time.Millisecond))

	id, _ := s.CreateSession(ctx, authstore.SessionParams{State: "st"})
	time.Sleep(40 * time.Millisecond)

	if sess, _ := s.GetSession(ctx, id); sess != nil {
		t.Fatal("expired session should be absent")
	}
	if sess, _ := s.GetSessionByState(ctx, "st"); sess != nil {
		t.Fatal("expired session should be absent via state lookup")
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, _ := s.CreateSession(ctx, authstore.SessionParams{State: "st"})

	ok, err := s.DeleteSession(ctx, id)
	if err != nil || !ok {
		t.Fatalf("DeleteSession = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, _ := s.DeleteSession(ctx, id); ok {
		t.Fatal("second delete should report not found")
	}
	if sess, _ := s.GetSessionByState(ctx, "st"); sess != nil {
		t.Fatal("state index should be cleared on delete")
	}
}

func TestSweepEvictsStaleEntriesWithoutReads(t *testing.T) {
	ctx := context.Background()
	s := New(
		WithCodeTTL(10*time.Millisecond),
		WithSessionTTL(10*time.Millisecond),
		WithSweepInterval(15*time.Millisecond),
	)
	defer s.Close()

	_, _ = s.CreateAuthCode(ctx, authstore.AuthCodeParams{})
	_, _ = s.CreateSession(ctx, authstore.SessionParams{State: "st"})
	time.Sleep(60 * time.Millisecond)

	s.mu.Lock()
	codes, sessions := len(s.codes), len(s.sessions)
	s.mu.Unlock()
	if codes != 0 || sessions != 0 {
		t.Fatalf("sweeper left codes=%d sessions=%d, want 0/0", codes, sessions)
	}
}
