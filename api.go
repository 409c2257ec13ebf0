package clenzy

import (
	"context"
	"net/http"
	"net/url"
)

// ============================================================================
// REST Sub-Clients
// ============================================================================

// ContactClient handles the two-person contact messaging API.
type ContactClient struct{ client *Client }

func (cc *ContactClient) Threads(ctx context.Context) ([]ContactThread, error) {
	return fetchJSON[[]ContactThread](ctx, cc.client, http.MethodGet, "/api/contact/threads", nil)
}

func (cc *ContactClient) Messages(ctx context.Context, counterpartID string) ([]ContactMessage, error) {
	return fetchJSON[[]ContactMessage](ctx, cc.client, http.MethodGet,
		"/api/contact/threads/"+url.PathEscape(counterpartID)+"/messages", nil)
}

// Send posts a message and returns it as stored by the server.
func (cc *ContactClient) Send(ctx context.Context, recipientID, content string) (ContactMessage, error) {
	payload := map[string]string{"recipientId": recipientID, "content": content}
	return fetchJSON[ContactMessage](ctx, cc.client, http.MethodPost, "/api/contact/messages", payload)
}

func (cc *ContactClient) MarkThreadRead(ctx context.Context, counterpartID string) error {
	_, err := cc.client.doRequest(ctx, http.MethodPut,
		"/api/contact/threads/"+url.PathEscape(counterpartID)+"/read", nil, nil)
	return err
}

// ConversationsClient handles guest conversations across channels.
type ConversationsClient struct{ client *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	return fetchJSON[[]Conversation](ctx, cv.client, http.MethodGet, "/api/conversations", nil)
}

func (cv *ConversationsClient) Messages(ctx context.Context, conversationID int64) ([]ConversationMessage, error) {
	return fetchJSON[[]ConversationMessage](ctx, cv.client, http.MethodGet,
		"/api/conversations/"+idString(conversationID)+"/messages", nil)
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID int64) error {
	_, err := cv.client.doRequest(ctx, http.MethodPut,
		"/api/conversations/"+idString(conversationID)+"/read", nil, nil)
	return err
}

// NotificationsClient handles the notification inbox.
type NotificationsClient struct{ client *Client }

func (n *NotificationsClient) UnreadCount(ctx context.Context) (UnreadCount, error) {
	return fetchJSON[UnreadCount](ctx, n.client, http.MethodGet, "/api/notifications/unread-count", nil)
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.client.doRequest(ctx, http.MethodPut, "/api/notifications/read-all", nil, nil)
	return err
}

// PreferencesClient handles notification preferences.
type PreferencesClient struct{ client *Client }

func (p *PreferencesClient) Get(ctx context.Context) (NotificationPreferences, error) {
	return fetchJSON[NotificationPreferences](ctx, p.client, http.MethodGet, "/api/notification-preferences", nil)
}

// Update sends changed preference keys and returns the full stored set.
func (p *PreferencesClient) Update(ctx context.Context, changes map[string]bool) (NotificationPreferences, error) {
	return fetchJSON[NotificationPreferences](ctx, p.client, http.MethodPut, "/api/notification-preferences", changes)
}

// SmartLocksClient handles connected locks.
type SmartLocksClient struct{ client *Client }

func (s *SmartLocksClient) List(ctx context.Context) ([]SmartLock, error) {
	return fetchJSON[[]SmartLock](ctx, s.client, http.MethodGet, "/api/smart-locks", nil)
}

func (s *SmartLocksClient) Status(ctx context.Context, lockID int64) (LockStatus, error) {
	return fetchJSON[LockStatus](ctx, s.client, http.MethodGet, "/api/smart-locks/"+idString(lockID)+"/status", nil)
}

func (s *SmartLocksClient) Lock(ctx context.Context, lockID int64) error {
	_, err := s.client.doRequest(ctx, http.MethodPost, "/api/smart-locks/"+idString(lockID)+"/lock", nil, nil)
	return err
}

func (s *SmartLocksClient) Unlock(ctx context.Context, lockID int64) error {
	_, err := s.client.doRequest(ctx, http.MethodPost, "/api/smart-locks/"+idString(lockID)+"/unlock", nil, nil)
	return err
}

func (s *SmartLocksClient) Automation(ctx context.Context, lockID int64) (LockAutomation, error) {
	return fetchJSON[LockAutomation](ctx, s.client, http.MethodGet, "/api/smart-locks/"+idString(lockID)+"/automation", nil)
}

func (s *SmartLocksClient) UpdateAutomation(ctx context.Context, lockID int64, cfg LockAutomation) (LockAutomation, error) {
	return fetchJSON[LockAutomation](ctx, s.client, http.MethodPut, "/api/smart-locks/"+idString(lockID)+"/automation", cfg)
}
