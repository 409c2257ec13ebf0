package clenzy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestEnvelope() map[string]any {
	return map[string]any{
		"channel": "contact",
		"event": map[string]any{
			"type":                "NEW_MESSAGE",
			"messageId":           7,
			"senderKeycloakId":    "u42",
			"recipientKeycloakId": "u1",
			"organizationId":      1,
			"message": map[string]any{
				"id":          7,
				"senderId":    "u42",
				"recipientId": "u1",
				"content":     "Check-in at 4pm?",
			},
		},
	}
}

func makeTestEnvelopeString() string {
	b, _ := json.Marshal(makeTestEnvelope())
	return string(b)
}

func newTestWebhook(t *testing.T) (*EventWebhook, *Cache) {
	t.Helper()
	cache := NewCache()
	router := NewEventRouter(cache, func() string { return "u1" })
	wh, err := NewEventWebhook(testSecret, router)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return wh, cache
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestEnvelopeString()
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestEnvelopeString()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("matches SignWebhookBody", func(t *testing.T) {
		body := makeTestEnvelopeString()
		if "sha256="+SignWebhookBody(body, testSecret) != makeTestSignature(body, testSecret) {
			t.Fatal("SignWebhookBody disagrees with reference HMAC")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestEnvelopeString()
		sig := "sha256=" + strings.Repeat("0", 64)
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestEnvelopeString()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestEnvelopeString()
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature(body+"tampered", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParseWebhookEnvelope
// ============================================================================

func TestParseWebhookEnvelope(t *testing.T) {
	t.Run("valid envelope", func(t *testing.T) {
		env, err := ParseWebhookEnvelope(makeTestEnvelopeString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.Channel != ChannelContact {
			t.Fatalf("expected channel contact, got %s", env.Channel)
		}
		if !strings.Contains(string(env.Event), `"NEW_MESSAGE"`) {
			t.Fatalf("event not preserved: %s", env.Event)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookEnvelope("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("unknown channel", func(t *testing.T) {
		if _, err := ParseWebhookEnvelope(`{"channel":"billing","event":{"type":"X"}}`); err == nil {
			t.Fatal("expected error for unknown channel")
		}
	})

	t.Run("missing event", func(t *testing.T) {
		if _, err := ParseWebhookEnvelope(`{"channel":"contact"}`); err == nil {
			t.Fatal("expected error for missing event")
		}
		if _, err := ParseWebhookEnvelope(`{"channel":"contact","event":null}`); err == nil {
			t.Fatal("expected error for null event")
		}
	})
}

// ============================================================================
// EventWebhook
// ============================================================================

func TestNewEventWebhook(t *testing.T) {
	router := NewEventRouter(NewCache(), func() string { return "u1" })

	t.Run("requires secret", func(t *testing.T) {
		if _, err := NewEventWebhook("", router); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("requires router", func(t *testing.T) {
		if _, err := NewEventWebhook(testSecret, nil); err == nil {
			t.Fatal("expected error for nil router")
		}
	})
}

func TestEventWebhookHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		status, data := wh.Handle(makeTestEnvelopeString(), "sha256=bad")
		if status != 401 {
			t.Fatalf("expected 401, got %d", status)
		}
		m := data.(map[string]string)
		if m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})

	t.Run("malformed envelope", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		body := `{"channel": "unknown"}`
		status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("malformed event", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		body := `{"channel":"contact","event":{"type":"SOMETHING_ELSE"}}`
		status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("event reaches cache", func(t *testing.T) {
		wh, cache := newTestWebhook(t)
		cache.Write(ContactMessagesKey("u42"), []ContactMessage{{ID: 5}, {ID: 6}})

		body := makeTestEnvelopeString()
		status, data := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		if m := data.(map[string]bool); !m["ok"] {
			t.Fatal("expected ok:true")
		}

		list, _ := ReadAs[[]ContactMessage](cache, ContactMessagesKey("u42"))
		if len(list) != 3 || list[2].ID != 7 {
			t.Fatalf("expected message 7 appended, got %+v", list)
		}
	})
}

func TestEventWebhookHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := newTestWebhook(t)
		req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(makeTestEnvelopeString()))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid returns 200", func(t *testing.T) {
		wh, cache := newTestWebhook(t)
		body := `{"channel":"notifications","event":{"type":"UNREAD_COUNT","unreadCount":4}}`
		req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
		req.Header.Set(SignatureHeader, makeTestSignature(body, testSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandlerFunc()(w, req)
		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
		if got, _ := ReadAs[UnreadCount](cache, UnreadCountKey()); got.Count != 4 {
			t.Fatalf("expected unread count 4, got %d", got.Count)
		}
	})
}
