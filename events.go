package clenzy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Channels & event types
// ============================================================================

// Channel names one server-pushed event stream.
type Channel string

const (
	ChannelContact       Channel = "contact"
	ChannelConversations Channel = "conversations"
	ChannelNotifications Channel = "notifications"
	ChannelDevices       Channel = "devices"
)

// Event discriminants.
const (
	EventNewMessage          = "NEW_MESSAGE"
	EventThreadRead          = "THREAD_READ"
	EventConversationRead    = "CONVERSATION_READ"
	EventConversationUpdated = "CONVERSATION_UPDATED"
	EventUnreadCount         = "UNREAD_COUNT"
	EventNotificationCreated = "NOTIFICATION_CREATED"
	EventLockStateChanged    = "LOCK_STATE_CHANGED"
	EventDeviceOffline       = "DEVICE_OFFLINE"
	EventNoiseAlert          = "NOISE_ALERT"
)

var knownEvents = map[Channel]map[string]bool{
	ChannelContact:       {EventNewMessage: true, EventThreadRead: true},
	ChannelConversations: {EventNewMessage: true, EventConversationRead: true, EventConversationUpdated: true},
	ChannelNotifications: {EventUnreadCount: true, EventNotificationCreated: true},
	ChannelDevices:       {EventLockStateChanged: true, EventDeviceOffline: true, EventNoiseAlert: true},
}

// ============================================================================
// Payloads
// ============================================================================

// ContactEvent is pushed on the contact queue.
type ContactEvent struct {
	Type           string          `json:"type"`
	MessageID      *int64          `json:"messageId"`
	SenderID       string          `json:"senderKeycloakId"`
	RecipientID    string          `json:"recipientKeycloakId"`
	OrganizationID int64           `json:"organizationId"`
	Message        *ContactMessage `json:"message"`
}

// ConversationEvent is pushed on the conversations queue.
type ConversationEvent struct {
	Type           string               `json:"type"`
	ConversationID int64                `json:"conversationId"`
	Message        *ConversationMessage `json:"message"`
}

// NotificationEvent is pushed on the notifications queue. UnreadCount, when
// present, is the authoritative counter after the event.
type NotificationEvent struct {
	Type           string `json:"type"`
	NotificationID *int64 `json:"notificationId"`
	Title          string `json:"title,omitempty"`
	UnreadCount    *int   `json:"unreadCount"`
}

// DeviceEvent is pushed on the devices queue.
type DeviceEvent struct {
	Type       string      `json:"type"`
	DeviceID   int64       `json:"deviceId"`
	DeviceType string      `json:"deviceType,omitempty"` // "LOCK" or "NOISE_SENSOR"
	PropertyID int64       `json:"propertyId,omitempty"`
	Status     *LockStatus `json:"status"`
}

// ============================================================================
// Decoding
// ============================================================================

// ErrMalformedEvent matches every event decoding failure.
var ErrMalformedEvent = errors.New("clenzy: malformed event")

// Drop reasons reported in logs and metrics.
const (
	dropInvalidJSON    = "invalid_json"
	dropMissingType    = "missing_type"
	dropUnknownType    = "unknown_type"
	dropUnknownChannel = "unknown_channel"
	dropDecode         = "decode"
	dropIncomplete     = "incomplete"
)

type malformedError struct {
	reason string
	detail string
}

func (e *malformedError) Error() string {
	return "clenzy: malformed event: " + e.detail
}

func (e *malformedError) Is(target error) bool { return target == ErrMalformedEvent }

func malformed(reason, format string, args ...any) error {
	return &malformedError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

func dropReason(err error) string {
	var m *malformedError
	if errors.As(err, &m) {
		return m.reason
	}
	return dropDecode
}

// decodeEvent checks the discriminant before decoding the payload into T.
func decodeEvent[T any](channel Channel, payload []byte) (T, string, error) {
	var ev T
	if !gjson.ValidBytes(payload) {
		return ev, "", malformed(dropInvalidJSON, "invalid JSON on %s", channel)
	}
	typ := gjson.GetBytes(payload, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return ev, "", malformed(dropMissingType, "missing type on %s", channel)
	}
	if !knownEvents[channel][typ.Str] {
		return ev, typ.Str, malformed(dropUnknownType, "unknown %s event type %q", channel, typ.Str)
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, typ.Str, malformed(dropDecode, "%s %s: %v", channel, typ.Str, err)
	}
	return ev, typ.Str, nil
}

// appendCached appends item to the list cached under key unless the list is
// absent or already holds an item with the same id.
func appendCached[T entity](c *Cache, key Key, item T) bool {
	return c.Update(key, func(current any) (any, bool) {
		list, ok := current.([]T)
		if !ok {
			return nil, false
		}
		return appendUnique(list, item)
	})
}

// ============================================================================
// EventRouter
// ============================================================================

// EventRouter turns server-pushed events into cache patches and invalidations.
// It never creates list entries speculatively and never calls back into the UI.
type EventRouter struct {
	cache   *Cache
	userID  func() string
	logger  *slog.Logger
	metrics *Metrics
}

// RouterOption configures an EventRouter.
type RouterOption func(*EventRouter)

// WithRouterLogger sets the router's logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *EventRouter) { r.logger = l }
}

// WithRouterMetrics sets the instruments used to count dropped events.
func WithRouterMetrics(m *Metrics) RouterOption {
	return func(r *EventRouter) { r.metrics = m }
}

// NewEventRouter creates a router writing to cache. userID returns the
// signed-in user; it decides which side of a contact message is the counterpart.
func NewEventRouter(cache *Cache, userID func() string, opts ...RouterOption) *EventRouter {
	r := &EventRouter{
		cache:  cache,
		userID: userID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = cache.metrics
	}
	r.logger = r.logger.With("component", "events")
	return r
}

// Handle applies one payload received on channel. Malformed payloads are
// logged, counted and returned as an error matching ErrMalformedEvent; they
// never panic and leave the cache untouched.
func (r *EventRouter) Handle(channel Channel, payload []byte) error {
	var err error
	switch channel {
	case ChannelContact:
		err = r.HandleContact(payload)
	case ChannelConversations:
		err = r.HandleConversation(payload)
	case ChannelNotifications:
		err = r.HandleNotification(payload)
	case ChannelDevices:
		err = r.HandleDevice(payload)
	default:
		err = malformed(dropUnknownChannel, "unknown channel %q", channel)
	}
	if err != nil {
		reason := dropReason(err)
		r.logger.Warn("dropped event", "channel", channel, "reason", reason, "error", err)
		r.metrics.frameDropped(context.Background(), channel, reason)
	}
	return err
}

// HandleContact applies a contact queue event.
func (r *EventRouter) HandleContact(payload []byte) error {
	ev, typ, err := decodeEvent[ContactEvent](ChannelContact, payload)
	if err != nil {
		return err
	}

	switch typ {
	case EventNewMessage:
		sender, recipient := ev.SenderID, ev.RecipientID
		if ev.Message != nil {
			sender = firstNonEmpty(ev.Message.SenderID, sender)
			recipient = firstNonEmpty(ev.Message.RecipientID, recipient)
		}
		counterpart := sender
		if sender == r.userID() {
			counterpart = recipient
		}
		if counterpart == "" {
			return malformed(dropIncomplete, "contact %s without participants", typ)
		}

		key := ContactMessagesKey(counterpart)
		if ev.Message != nil {
			added := appendCached(r.cache, key, *ev.Message)
			r.logger.Debug("contact message", "counterpart", counterpart, "message_id", ev.Message.ID, "appended", added)
		} else {
			r.cache.Invalidate(key)
		}
		r.cache.Invalidate(ContactThreadsKey())

	case EventThreadRead:
		r.cache.Invalidate(ContactThreadsKey())
	}
	return nil
}

// HandleConversation applies a conversations queue event.
func (r *EventRouter) HandleConversation(payload []byte) error {
	ev, typ, err := decodeEvent[ConversationEvent](ChannelConversations, payload)
	if err != nil {
		return err
	}

	switch typ {
	case EventNewMessage:
		id := ev.ConversationID
		if id == 0 && ev.Message != nil {
			id = ev.Message.ConversationID
		}
		if id == 0 {
			return malformed(dropIncomplete, "conversation %s without conversation id", typ)
		}
		if ev.Message != nil {
			appendCached(r.cache, ConversationMessagesKey(id), *ev.Message)
		} else {
			r.cache.Invalidate(ConversationMessagesKey(id))
		}
		r.cache.Invalidate(ConversationsKey())

	case EventConversationRead, EventConversationUpdated:
		r.cache.Invalidate(ConversationsKey())
	}
	return nil
}

// HandleNotification applies a notifications queue event.
func (r *EventRouter) HandleNotification(payload []byte) error {
	ev, _, err := decodeEvent[NotificationEvent](ChannelNotifications, payload)
	if err != nil {
		return err
	}

	if ev.UnreadCount != nil {
		r.cache.Write(UnreadCountKey(), UnreadCount{Count: *ev.UnreadCount})
	} else {
		r.cache.Invalidate(UnreadCountKey())
	}
	return nil
}

// HandleDevice applies a devices queue event.
func (r *EventRouter) HandleDevice(payload []byte) error {
	ev, typ, err := decodeEvent[DeviceEvent](ChannelDevices, payload)
	if err != nil {
		return err
	}
	if ev.DeviceID == 0 {
		return malformed(dropIncomplete, "device %s without device id", typ)
	}

	switch typ {
	case EventLockStateChanged:
		key := LockStatusKey(ev.DeviceID)
		if ev.Status != nil {
			status := *ev.Status
			if !UpdateAs(r.cache, key, func(LockStatus) LockStatus { return status }) {
				r.logger.Debug("lock status not cached", "device_id", ev.DeviceID)
			}
		} else {
			r.cache.Invalidate(key)
		}
		r.cache.Invalidate(SmartLocksKey())

	case EventDeviceOffline:
		r.cache.Invalidate(LockStatusKey(ev.DeviceID))
		r.cache.Invalidate(SmartLocksKey())

	case EventNoiseAlert:
		r.cache.Invalidate(NoiseAlertsKey(ev.PropertyID))
		r.cache.Invalidate(UnreadCountKey())
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ============================================================================
// Binding
// ============================================================================

// Binding is the set of subscriptions connecting a router to one user's queues.
type Binding struct {
	once sync.Once
	subs []*Subscription
}

// Close unsubscribes every queue. Safe to call more than once.
func (b *Binding) Close() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		for _, sub := range b.subs {
			sub.Unsubscribe()
		}
	})
}

// Bind subscribes the router to userID's contact, conversation, notification
// and device queues on svc.
func (r *EventRouter) Bind(svc *RealtimeService, userID string) *Binding {
	routes := []struct {
		channel Channel
		topic   string
	}{
		{ChannelContact, ContactTopic(userID)},
		{ChannelConversations, ConversationTopic(userID)},
		{ChannelNotifications, NotificationTopic(userID)},
		{ChannelDevices, DeviceTopic(userID)},
	}

	b := &Binding{}
	for _, route := range routes {
		channel := route.channel
		b.subs = append(b.subs, svc.Subscribe(route.topic, func(f Frame) {
			_ = r.Handle(channel, f.Body)
		}))
	}
	return b
}
