package clenzy

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 signature of a pushed event.
const SignatureHeader = "X-Clenzy-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookEnvelope is the body the platform POSTs for one event. Event holds
// the same payload that would have arrived on Channel's realtime queue.
type WebhookEnvelope struct {
	Channel Channel         `json:"channel"`
	Event   json.RawMessage `json:"event"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex HMAC-SHA256 of body, without the "sha256=" prefix.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEnvelope parses a raw webhook body.
func ParseWebhookEnvelope(body string) (*WebhookEnvelope, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if _, ok := knownEvents[env.Channel]; !ok {
		return nil, fmt.Errorf("unknown webhook channel: %q", env.Channel)
	}
	if len(env.Event) == 0 || string(env.Event) == "null" {
		return nil, fmt.Errorf("missing event field in webhook body")
	}

	return &env, nil
}

// ============================================================================
// EventWebhook
// ============================================================================

// EventWebhook verifies pushed events and hands them to an EventRouter.
type EventWebhook struct {
	secret string
	router *EventRouter
}

// NewEventWebhook creates a webhook handler feeding router.
func NewEventWebhook(secret string, router *EventRouter) (*EventWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if router == nil {
		return nil, fmt.Errorf("event router is required")
	}
	return &EventWebhook{
		secret: secret,
		router: router,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *EventWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + route).
// Returns the status code and response body for the caller to write.
func (w *EventWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	env, err := ParseWebhookEnvelope(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.router.Handle(env.Channel, env.Event); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			return http.StatusBadRequest, map[string]string{"error": err.Error()}
		}
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := clenzy.NewEventWebhook("secret", session.Router)
//	http.Handle("/clenzy/events", wh.HTTPHandler())
func (w *EventWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *EventWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
