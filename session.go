package clenzy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SessionConfig configures a Session. Zero values use the defaults of each part.
type SessionConfig struct {
	ClientOptions []ClientOption
	CacheOptions  []CacheOption
	Realtime      *RealtimeConfig
	Logger        *slog.Logger
	Metrics       *Metrics
}

// Session is everything one signed-in user needs: the REST client, the cache,
// the realtime connection and the router feeding events into the cache.
// Create it on sign-in and Close it on sign-out; nothing in the package keeps
// global state.
type Session struct {
	Client   *Client
	Cache    *Cache
	Realtime *RealtimeService
	Router   *EventRouter

	Locks         *LockActions
	Preferences   *PreferenceActions
	Contact       *ContactActions
	Conversations *ConversationActions
	Notifications *NotificationActions

	logger  *slog.Logger
	current atomic.Pointer[Identity]

	mu       sync.Mutex
	binding  *Binding
	unfollow func()
}

// NewSession builds a stopped session whose client reads tokens from auth.
func NewSession(auth *AuthStore, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}

	client := NewClient(auth, append([]ClientOption{WithLogger(logger)}, cfg.ClientOptions...)...)
	cache := NewCache(append([]CacheOption{WithCacheLogger(logger), WithCacheMetrics(metrics)}, cfg.CacheOptions...)...)

	rtCfg := RealtimeConfig{}
	if cfg.Realtime != nil {
		rtCfg = *cfg.Realtime
	}
	if rtCfg.Logger == nil {
		rtCfg.Logger = logger
	}
	if rtCfg.Metrics == nil {
		rtCfg.Metrics = metrics
	}

	s := &Session{
		Client:   client,
		Cache:    cache,
		Realtime: NewRealtimeService(client.BaseURL(), &rtCfg),
		logger:   logger.With("component", "session"),
	}
	s.Router = NewEventRouter(cache, s.userID, WithRouterLogger(logger), WithRouterMetrics(metrics))
	s.Realtime.OnReconnected(s.resync)

	s.Locks = &LockActions{s: s}
	s.Preferences = &PreferenceActions{s: s}
	s.Contact = &ContactActions{s: s}
	s.Conversations = &ConversationActions{s: s}
	s.Notifications = &NotificationActions{s: s}
	return s
}

// Identity returns the identity the session was last started with.
func (s *Session) Identity() Identity {
	if id := s.current.Load(); id != nil {
		return *id
	}
	return Identity{}
}

func (s *Session) userID() string {
	return s.Identity().UserID
}

// Start connects the session for identity. Restarting for the same user only
// refreshes the token; another user gets an empty cache and fresh queue
// subscriptions. A zero identity stops the session.
func (s *Session) Start(identity Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if identity.IsZero() {
		s.stopLocked()
		return
	}

	prev := s.current.Load()
	if prev != nil && prev.sameUser(identity) {
		s.current.Store(&identity)
		s.Realtime.Connect(identity)
		return
	}

	if prev != nil {
		s.logger.Info("session user changed", "from", prev.UserID, "to", identity.UserID)
		s.binding.Close()
		s.binding = nil
		// A handler for prev may still be writing; clear only after it returns.
		s.Realtime.halt()
		s.Cache.Clear()
	}
	s.current.Store(&identity)
	s.Realtime.Connect(identity)
	s.binding = s.Router.Bind(s.Realtime, identity.UserID)
	s.logger.Info("session started", "user_id", identity.UserID)
}

// Follow starts, switches and stops the session as auth changes.
func (s *Session) Follow(auth *AuthStore) {
	cancel := auth.OnChange(s.Start)
	s.mu.Lock()
	if s.unfollow != nil {
		s.unfollow()
	}
	s.unfollow = cancel
	s.mu.Unlock()

	s.Start(auth.Current())
}

// Close stops following auth, disconnects and drops every cached value.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unfollow != nil {
		s.unfollow()
		s.unfollow = nil
	}
	s.stopLocked()
}

func (s *Session) stopLocked() {
	prev := s.current.Load()
	s.binding.Close()
	s.binding = nil
	s.Realtime.Disconnect()
	s.Cache.Clear()
	s.current.Store(nil)
	if prev != nil {
		s.logger.Info("session stopped", "user_id", prev.UserID)
	}
}

// resync marks every realtime-fed query stale; events may have been missed
// while the connection was down.
func (s *Session) resync() {
	n := 0
	for _, prefix := range []Key{{"contact"}, {"conversations"}, {"notifications"}, {"smart-locks"}} {
		n += s.Cache.InvalidatePrefix(prefix)
	}
	s.logger.Info("realtime reconnected", "invalidated", n)
}

// ============================================================================
// Smart locks
// ============================================================================

// LockActions reads and changes smart locks through the cache.
type LockActions struct{ s *Session }

func (a *LockActions) List(ctx context.Context) ([]SmartLock, error) {
	return QueryAs(ctx, a.s.Cache, SmartLocksKey(), a.s.Client.SmartLocks.List)
}

func (a *LockActions) Status(ctx context.Context, lockID int64) (LockStatus, error) {
	return QueryAs(ctx, a.s.Cache, LockStatusKey(lockID), func(ctx context.Context) (LockStatus, error) {
		return a.s.Client.SmartLocks.Status(ctx, lockID)
	})
}

// Lock locks the device, showing it locked immediately.
func (a *LockActions) Lock(ctx context.Context, lockID int64) error {
	return a.setLocked(ctx, lockID, true)
}

// Unlock unlocks the device, showing it unlocked immediately.
func (a *LockActions) Unlock(ctx context.Context, lockID int64) error {
	return a.setLocked(ctx, lockID, false)
}

func (a *LockActions) setLocked(ctx context.Context, lockID int64, locked bool) error {
	_, err := Mutate(ctx, a.s.Cache, Mutation[LockStatus, struct{}]{
		Key: LockStatusKey(lockID),
		Apply: func(st LockStatus) LockStatus {
			st.Locked = locked
			return st
		},
		Call: func(ctx context.Context) (struct{}, error) {
			if locked {
				return struct{}{}, a.s.Client.SmartLocks.Lock(ctx, lockID)
			}
			return struct{}{}, a.s.Client.SmartLocks.Unlock(ctx, lockID)
		},
		Invalidate: []Key{SmartLocksKey()},
	})
	return err
}

func (a *LockActions) Automation(ctx context.Context, lockID int64) (LockAutomation, error) {
	return QueryAs(ctx, a.s.Cache, LockAutomationKey(lockID), func(ctx context.Context) (LockAutomation, error) {
		return a.s.Client.SmartLocks.Automation(ctx, lockID)
	})
}

// UpdateAutomation replaces the automation config, keeping the server's copy on success.
func (a *LockActions) UpdateAutomation(ctx context.Context, lockID int64, cfg LockAutomation) (LockAutomation, error) {
	return Mutate(ctx, a.s.Cache, Mutation[LockAutomation, LockAutomation]{
		Key:   LockAutomationKey(lockID),
		Apply: func(LockAutomation) LockAutomation { return cfg },
		Call: func(ctx context.Context) (LockAutomation, error) {
			return a.s.Client.SmartLocks.UpdateAutomation(ctx, lockID, cfg)
		},
		Reconcile: func(_ LockAutomation, saved LockAutomation) (LockAutomation, bool) {
			return saved, true
		},
	})
}

// ============================================================================
// Notification preferences
// ============================================================================

// PreferenceActions reads and toggles notification preferences.
type PreferenceActions struct{ s *Session }

func (a *PreferenceActions) Get(ctx context.Context) (NotificationPreferences, error) {
	return QueryAs(ctx, a.s.Cache, NotificationPreferencesKey(), a.s.Client.Preferences.Get)
}

// Toggle sets one preference, showing the new value immediately.
func (a *PreferenceActions) Toggle(ctx context.Context, key string, enabled bool) (NotificationPreferences, error) {
	return Mutate(ctx, a.s.Cache, Mutation[NotificationPreferences, NotificationPreferences]{
		Key: NotificationPreferencesKey(),
		Apply: func(p NotificationPreferences) NotificationPreferences {
			return p.With(key, enabled)
		},
		Call: func(ctx context.Context) (NotificationPreferences, error) {
			return a.s.Client.Preferences.Update(ctx, map[string]bool{key: enabled})
		},
		Reconcile: func(_ NotificationPreferences, saved NotificationPreferences) (NotificationPreferences, bool) {
			return saved, saved != nil
		},
	})
}

// ============================================================================
// Contact messages
// ============================================================================

// ContactActions reads and sends contact messages.
type ContactActions struct{ s *Session }

func (a *ContactActions) Threads(ctx context.Context) ([]ContactThread, error) {
	return QueryAs(ctx, a.s.Cache, ContactThreadsKey(), a.s.Client.Contact.Threads)
}

func (a *ContactActions) Messages(ctx context.Context, counterpartID string) ([]ContactMessage, error) {
	return QueryAs(ctx, a.s.Cache, ContactMessagesKey(counterpartID), func(ctx context.Context) ([]ContactMessage, error) {
		return a.s.Client.Contact.Messages(ctx, counterpartID)
	})
}

// Send posts a message and appends the stored copy to the open thread. The
// realtime echo of the same message is then skipped by id.
func (a *ContactActions) Send(ctx context.Context, recipientID, content string) (ContactMessage, error) {
	msg, err := a.s.Client.Contact.Send(ctx, recipientID, content)
	if err != nil {
		return msg, err
	}
	appendCached(a.s.Cache, ContactMessagesKey(recipientID), msg)
	a.s.Cache.Invalidate(ContactThreadsKey())
	return msg, nil
}

// MarkThreadRead clears the thread's unread badge immediately.
func (a *ContactActions) MarkThreadRead(ctx context.Context, counterpartID string) error {
	_, err := Mutate(ctx, a.s.Cache, Mutation[[]ContactThread, struct{}]{
		Key: ContactThreadsKey(),
		Apply: func(threads []ContactThread) []ContactThread {
			out := make([]ContactThread, len(threads))
			for i, t := range threads {
				if t.CounterpartID == counterpartID {
					t.UnreadCount = 0
				}
				out[i] = t
			}
			return out
		},
		Call: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.s.Client.Contact.MarkThreadRead(ctx, counterpartID)
		},
	})
	return err
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationActions reads guest conversations.
type ConversationActions struct{ s *Session }

func (a *ConversationActions) List(ctx context.Context) ([]Conversation, error) {
	return QueryAs(ctx, a.s.Cache, ConversationsKey(), a.s.Client.Conversations.List)
}

func (a *ConversationActions) Messages(ctx context.Context, conversationID int64) ([]ConversationMessage, error) {
	return QueryAs(ctx, a.s.Cache, ConversationMessagesKey(conversationID), func(ctx context.Context) ([]ConversationMessage, error) {
		return a.s.Client.Conversations.Messages(ctx, conversationID)
	})
}

// MarkRead clears the conversation's unread badge immediately.
func (a *ConversationActions) MarkRead(ctx context.Context, conversationID int64) error {
	_, err := Mutate(ctx, a.s.Cache, Mutation[[]Conversation, struct{}]{
		Key: ConversationsKey(),
		Apply: func(list []Conversation) []Conversation {
			out := make([]Conversation, len(list))
			for i, c := range list {
				if c.ID == conversationID {
					c.UnreadCount = 0
				}
				out[i] = c
			}
			return out
		},
		Call: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.s.Client.Conversations.MarkRead(ctx, conversationID)
		},
	})
	return err
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationActions reads and clears the notification counter.
type NotificationActions struct{ s *Session }

func (a *NotificationActions) UnreadCount(ctx context.Context) (UnreadCount, error) {
	return QueryAs(ctx, a.s.Cache, UnreadCountKey(), a.s.Client.Notifications.UnreadCount)
}

// MarkAllRead zeroes the counter immediately.
func (a *NotificationActions) MarkAllRead(ctx context.Context) error {
	_, err := Mutate(ctx, a.s.Cache, Mutation[UnreadCount, struct{}]{
		Key:   UnreadCountKey(),
		Apply: func(UnreadCount) UnreadCount { return UnreadCount{} },
		Call: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.s.Client.Notifications.MarkAllRead(ctx)
		},
	})
	return err
}
