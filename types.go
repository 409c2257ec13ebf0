package clenzy

import (
	"fmt"
	"strconv"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned by the REST client for any non-2xx response.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// ============================================================================
// Contact Types
// ============================================================================

// ContactMessage is one message of a two-person contact thread.
type ContactMessage struct {
	ID             int64  `json:"id"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	SenderName     string `json:"senderName,omitempty"`
	Content        string `json:"content"`
	OrganizationID int64  `json:"organizationId,omitempty"`
	Read           bool   `json:"read"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// EntityID returns the message id used for list deduplication.
func (m ContactMessage) EntityID() int64 { return m.ID }

// Counterpart returns the other party of the message relative to userID.
func (m ContactMessage) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// ContactThread is one row of the thread summary list.
type ContactThread struct {
	CounterpartID   string          `json:"counterpartId"`
	CounterpartName string          `json:"counterpartName,omitempty"`
	LastMessage     *ContactMessage `json:"lastMessage,omitempty"`
	LastMessageAt   string          `json:"lastMessageAt,omitempty"`
	UnreadCount     int             `json:"unreadCount"`
}

// ============================================================================
// Conversation Types
// ============================================================================

// Conversation is a multi-channel guest conversation (booking platform, SMS, email).
type Conversation struct {
	ID            int64  `json:"id"`
	Channel       string `json:"channel,omitempty"`
	GuestName     string `json:"guestName,omitempty"`
	PropertyID    int64  `json:"propertyId,omitempty"`
	PropertyName  string `json:"propertyName,omitempty"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastMessageAt string `json:"lastMessageAt,omitempty"`
	UnreadCount   int    `json:"unreadCount"`
	Status        string `json:"status,omitempty"`
}

// ConversationMessage is a message inside a Conversation.
type ConversationMessage struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversationId"`
	Direction      string `json:"direction,omitempty"` // "INBOUND" or "OUTBOUND"
	SenderName     string `json:"senderName,omitempty"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// EntityID returns the message id used for list deduplication.
func (m ConversationMessage) EntityID() int64 { return m.ID }

// ============================================================================
// Notification Types
// ============================================================================

// UnreadCount is the authoritative unread notification counter.
type UnreadCount struct {
	Count int `json:"count"`
}

// NotificationPreferences maps a preference key (e.g. "push_interventions")
// to its enabled flag.
type NotificationPreferences map[string]bool

// With returns a copy of p with key set to enabled.
func (p NotificationPreferences) With(key string, enabled bool) NotificationPreferences {
	out := make(NotificationPreferences, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[key] = enabled
	return out
}

// ============================================================================
// Smart Lock Types
// ============================================================================

// SmartLock is a connected lock installed at a property.
type SmartLock struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	PropertyID   int64  `json:"propertyId,omitempty"`
	PropertyName string `json:"propertyName,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Online       bool   `json:"online"`
}

// LockStatus is the live state of one SmartLock.
type LockStatus struct {
	Locked       bool   `json:"locked"`
	BatteryLevel *int   `json:"batteryLevel,omitempty"`
	Online       *bool  `json:"online,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// LockAutomation configures automatic re-locking of a SmartLock.
type LockAutomation struct {
	AutoLockEnabled      bool `json:"autoLockEnabled"`
	AutoLockDelayMinutes int  `json:"autoLockDelayMinutes"`
	LockOnCheckout       bool `json:"lockOnCheckout"`
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
