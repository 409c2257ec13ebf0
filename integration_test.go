//go:build integration

package clenzy_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	clenzy "github.com/mazy06/clenzy-sub010"
)

// helpers ---------------------------------------------------------------

func identityFromEnv(t *testing.T, suffix string) clenzy.Identity {
	t.Helper()
	user := os.Getenv("CLENZY_USER_" + suffix + "_TEST")
	token := os.Getenv("CLENZY_TOKEN_" + suffix + "_TEST")
	if user == "" || token == "" {
		t.Fatalf("CLENZY_USER_%s_TEST and CLENZY_TOKEN_%s_TEST environment variables are required", suffix, suffix)
	}
	return clenzy.Identity{UserID: user, AccessToken: token}
}

func clientOptions() []clenzy.ClientOption {
	if v := os.Getenv("CLENZY_BASE_URL_TEST"); v != "" {
		return []clenzy.ClientOption{clenzy.WithBaseURL(v)}
	}
	return []clenzy.ClientOption{clenzy.WithEnvironment(clenzy.Staging)}
}

func newSession(t *testing.T, identity clenzy.Identity) *clenzy.Session {
	t.Helper()
	s := clenzy.NewSession(clenzy.NewAuthStore(identity), clenzy.SessionConfig{
		ClientOptions: clientOptions(),
	})
	t.Cleanup(s.Close)
	return s
}

func waitConnected(t *testing.T, s *clenzy.Session) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if s.Realtime.State() == clenzy.StateConnected {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("realtime not connected, state=%s", s.Realtime.State())
}

// =======================================================================
// Group 1: REST API
// =======================================================================

func TestIntegration_Health(t *testing.T) {
	client := clenzy.NewClient(nil, clientOptions()...)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
}

func TestIntegration_Queries(t *testing.T) {
	s := newSession(t, identityFromEnv(t, "A"))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	threads, err := s.Contact.Threads(ctx)
	if err != nil {
		t.Fatalf("Threads error: %v", err)
	}
	t.Logf("Threads: %d", len(threads))

	count, err := s.Notifications.UnreadCount(ctx)
	if err != nil {
		t.Fatalf("UnreadCount error: %v", err)
	}
	t.Logf("Unread notifications: %d", count.Count)

	locks, err := s.Locks.List(ctx)
	if err != nil {
		t.Fatalf("SmartLocks error: %v", err)
	}
	t.Logf("Smart locks: %d", len(locks))

	if !s.Cache.Has(clenzy.ContactThreadsKey()) || !s.Cache.Has(clenzy.UnreadCountKey()) {
		t.Fatal("expected query results to be cached")
	}
}

func TestIntegration_PreferenceToggle(t *testing.T) {
	s := newSession(t, identityFromEnv(t, "A"))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	prefs, err := s.Preferences.Get(ctx)
	if err != nil {
		t.Fatalf("Preferences error: %v", err)
	}
	var key string
	for k := range prefs {
		key = k
		break
	}
	if key == "" {
		t.Skip("account has no notification preferences")
	}
	original := prefs[key]

	saved, err := s.Preferences.Toggle(ctx, key, !original)
	if err != nil {
		t.Fatalf("Toggle error: %v", err)
	}
	if saved[key] != !original {
		t.Fatalf("expected %s=%v, got %v", key, !original, saved[key])
	}
	if _, err := s.Preferences.Toggle(ctx, key, original); err != nil {
		t.Fatalf("restore Toggle error: %v", err)
	}
}

// =======================================================================
// Group 2: Realtime
// =======================================================================

func TestIntegration_Realtime_ContactMessage(t *testing.T) {
	alice := identityFromEnv(t, "A")
	bob := identityFromEnv(t, "B")
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	sa := newSession(t, alice)
	sb := newSession(t, bob)
	sa.Start(alice)
	sb.Start(bob)
	waitConnected(t, sa)
	waitConnected(t, sb)

	// Prime bob's thread with alice so the event has a list to append to.
	before, err := sb.Contact.Messages(ctx, alice.UserID)
	if err != nil {
		t.Fatalf("Messages error: %v", err)
	}

	content := fmt.Sprintf("go integration %d", time.Now().UnixNano())
	sent, err := sa.Contact.Send(ctx, bob.UserID, content)
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	t.Logf("Sent message id=%d", sent.ID)

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		list, _ := clenzy.ReadAs[[]clenzy.ContactMessage](sb.Cache, clenzy.ContactMessagesKey(alice.UserID))
		for _, m := range list {
			if m.ID == sent.ID {
				if len(list) != len(before)+1 {
					t.Fatalf("expected %d messages, got %d", len(before)+1, len(list))
				}
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("message did not reach the recipient cache")
}

func TestIntegration_Realtime_TokenRefreshKeepsConnection(t *testing.T) {
	alice := identityFromEnv(t, "A")
	auth := clenzy.NewAuthStore(clenzy.Identity{})
	s := clenzy.NewSession(auth, clenzy.SessionConfig{ClientOptions: clientOptions()})
	defer s.Close()

	s.Follow(auth)
	auth.Set(alice)
	waitConnected(t, s)
	topics := s.Realtime.Topics()
	if len(topics) != 4 {
		t.Fatalf("expected 4 topics, got %v", topics)
	}

	auth.Set(alice)
	if s.Realtime.State() != clenzy.StateConnected {
		t.Fatalf("same-user refresh dropped the connection: %s", s.Realtime.State())
	}

	auth.Clear()
	if s.Realtime.State() != clenzy.StateDisconnected {
		t.Fatalf("expected disconnected after sign-out, got %s", s.Realtime.State())
	}
}
