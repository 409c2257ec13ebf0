package clenzy

import "sync"

// Identity is the signed-in user as seen by the SDK: an opaque user id
// (the Keycloak subject) and a bearer access token.
type Identity struct {
	UserID      string
	AccessToken string
}

// IsZero reports whether no user is signed in.
func (id Identity) IsZero() bool {
	return id.UserID == "" && id.AccessToken == ""
}

// sameUser reports whether a and b belong to one session. A refreshed token
// for the same user is still the same session.
func (id Identity) sameUser(other Identity) bool {
	return id.UserID == other.UserID
}

// AuthStore holds the current Identity. The SDK only reads it; login flows
// (the CLI, an OAuth callback) write it.
type AuthStore struct {
	mu        sync.RWMutex
	current   Identity
	nextID    int
	listeners map[int]func(Identity)
}

// NewAuthStore creates a store pre-populated with identity (may be zero).
func NewAuthStore(identity Identity) *AuthStore {
	return &AuthStore{
		current:   identity,
		listeners: make(map[int]func(Identity)),
	}
}

// Current returns the current identity.
func (a *AuthStore) Current() Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// UserID returns the current user id.
func (a *AuthStore) UserID() string {
	return a.Current().UserID
}

// Token returns the current access token.
func (a *AuthStore) Token() string {
	return a.Current().AccessToken
}

// Set replaces the identity and notifies listeners if it changed.
func (a *AuthStore) Set(identity Identity) {
	a.mu.Lock()
	if a.current == identity {
		a.mu.Unlock()
		return
	}
	a.current = identity
	handlers := make([]func(Identity), 0, len(a.listeners))
	for _, h := range a.listeners {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	for _, h := range handlers {
		h(identity)
	}
}

// Clear signs the user out.
func (a *AuthStore) Clear() {
	a.Set(Identity{})
}

// OnChange registers h to run after every identity change. The returned
// function removes the registration.
func (a *AuthStore) OnChange(h func(Identity)) (cancel func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = h
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}
