package clenzy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Run("string form is JSON", func(t *testing.T) {
		assert.Equal(t, `["contact","threads","u42","messages"]`, ContactMessagesKey("u42").String())
		assert.Equal(t, `["smart-locks","3","status"]`, LockStatusKey(3).String())
	})

	t.Run("prefix", func(t *testing.T) {
		k := ContactMessagesKey("u42")
		assert.True(t, k.HasPrefix(ContactThreadsKey()))
		assert.True(t, k.HasPrefix(Key{"contact"}))
		assert.False(t, k.HasPrefix(Key{"conversations"}))
		assert.False(t, ContactThreadsKey().HasPrefix(k))
	})
}

func TestCacheReadWrite(t *testing.T) {
	c := NewCache()

	_, ok := c.Read(UnreadCountKey())
	assert.False(t, ok)
	assert.True(t, c.IsStale(UnreadCountKey()))

	c.Write(UnreadCountKey(), UnreadCount{Count: 3})
	got, ok := ReadAs[UnreadCount](c, UnreadCountKey())
	require.True(t, ok)
	assert.Equal(t, 3, got.Count)
	assert.False(t, c.IsStale(UnreadCountKey()))

	c.Write(UnreadCountKey(), UnreadCount{Count: 4})
	got, _ = ReadAs[UnreadCount](c, UnreadCountKey())
	assert.Equal(t, 4, got.Count, "last writer wins")

	_, ok = ReadAs[LockStatus](c, UnreadCountKey())
	assert.False(t, ok, "wrong type is a miss")
}

func TestCacheUpdateNeverCreates(t *testing.T) {
	c := NewCache()

	ok := UpdateAs(c, LockStatusKey(1), func(s LockStatus) LockStatus {
		s.Locked = true
		return s
	})
	assert.False(t, ok)
	assert.False(t, c.Has(LockStatusKey(1)))

	c.Write(LockStatusKey(1), LockStatus{})
	ok = UpdateAs(c, LockStatusKey(1), func(s LockStatus) LockStatus {
		s.Locked = true
		return s
	})
	assert.True(t, ok)
	st, _ := ReadAs[LockStatus](c, LockStatusKey(1))
	assert.True(t, st.Locked)
}

func TestCacheStaleness(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(WithStaleTime(time.Minute))
	c.now = func() time.Time { return now }

	c.Write(SmartLocksKey(), []SmartLock{{ID: 1}})
	assert.False(t, c.IsStale(SmartLocksKey()))

	now = now.Add(2 * time.Minute)
	assert.True(t, c.IsStale(SmartLocksKey()), "older than stale time")

	c.Write(SmartLocksKey(), []SmartLock{{ID: 1}})
	assert.True(t, c.Invalidate(SmartLocksKey()))
	assert.True(t, c.IsStale(SmartLocksKey()))
	assert.True(t, c.Has(SmartLocksKey()), "invalidation keeps the value")

	assert.False(t, c.Invalidate(ConversationsKey()), "nothing to invalidate")
}

func TestCacheInvalidatePrefix(t *testing.T) {
	c := NewCache(WithStaleTime(0))
	c.Write(ContactThreadsKey(), []ContactThread{})
	c.Write(ContactMessagesKey("a"), []ContactMessage{})
	c.Write(ContactMessagesKey("b"), []ContactMessage{})
	c.Write(ConversationsKey(), []Conversation{})

	assert.Equal(t, 3, c.InvalidatePrefix(Key{"contact"}))
	assert.True(t, c.IsStale(ContactMessagesKey("a")))
	assert.False(t, c.IsStale(ConversationsKey()))
}

func TestCacheFetchCoalesces(t *testing.T) {
	c := NewCache()
	release := make(chan struct{})
	var calls atomic.Int32

	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return []SmartLock{{ID: 9}}, nil
	}

	var wg sync.WaitGroup
	results := make([]any, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), SmartLocksKey(), fetch)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return c.IsFetching(SmartLocksKey()) }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, []SmartLock{{ID: 9}}, v)
	}
	assert.False(t, c.IsFetching(SmartLocksKey()))
}

func TestCacheFetchErrorKeepsValue(t *testing.T) {
	c := NewCache()
	boom := errors.New("boom")

	_, err := c.Fetch(context.Background(), SmartLocksKey(), func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Has(SmartLocksKey()), "failed first fetch leaves no entry")

	c.Write(SmartLocksKey(), []SmartLock{{ID: 1}})
	_, err = c.Fetch(context.Background(), SmartLocksKey(), func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	v, _ := ReadAs[[]SmartLock](c, SmartLocksKey())
	assert.Equal(t, []SmartLock{{ID: 1}}, v)
}

func TestCacheCancelInFlight(t *testing.T) {
	c := NewCache()
	key := NotificationPreferencesKey()
	c.Write(key, NotificationPreferences{"push_interventions": true})
	c.Invalidate(key)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), key, func(ctx context.Context) (any, error) {
			close(started)
			<-release // ignores ctx on purpose
			return NotificationPreferences{"push_interventions": true, "stale": true}, nil
		})
		done <- err
	}()
	<-started

	assert.True(t, c.CancelInFlight(key))
	assert.False(t, c.CancelInFlight(key), "second cancel is a no-op")
	c.Write(key, NotificationPreferences{"push_interventions": false})

	close(release)
	assert.ErrorIs(t, <-done, ErrQueryCancelled)

	v, _ := ReadAs[NotificationPreferences](c, key)
	assert.Equal(t, NotificationPreferences{"push_interventions": false}, v, "cancelled result discarded")
}

func TestCacheFetchCallerContext(t *testing.T) {
	c := NewCache()
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, SmartLocksKey(), func(context.Context) (any, error) {
			<-release
			return []SmartLock{{ID: 2}}, nil
		})
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.IsFetching(SmartLocksKey()) }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return c.Has(SmartLocksKey()) }, time.Second, time.Millisecond,
		"fetch outlives the caller that started it")
}

func TestCacheQuery(t *testing.T) {
	c := NewCache(WithStaleTime(0))
	var calls int
	fetch := func(context.Context) ([]Conversation, error) {
		calls++
		return []Conversation{{ID: int64(calls)}}, nil
	}

	v, err := QueryAs(context.Background(), c, ConversationsKey(), fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v[0].ID)

	v, err = QueryAs(context.Background(), c, ConversationsKey(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "fresh value served from cache")

	c.Invalidate(ConversationsKey())
	v, err = QueryAs(context.Background(), c, ConversationsKey(), fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v[0].ID)
}

func TestCacheSnapshotRestore(t *testing.T) {
	c := NewCache()
	key := LockStatusKey(3)

	t.Run("restores value", func(t *testing.T) {
		c.Write(key, LockStatus{Locked: false})
		snap := c.Snapshot(key)
		c.Write(key, LockStatus{Locked: true})
		c.Restore(snap)

		st, ok := ReadAs[LockStatus](c, key)
		require.True(t, ok)
		assert.False(t, st.Locked)
		v, exists := snap.Value()
		assert.True(t, exists)
		assert.Equal(t, LockStatus{Locked: false}, v)
	})

	t.Run("restores absence", func(t *testing.T) {
		missing := LockStatusKey(99)
		snap := c.Snapshot(missing)
		c.Write(missing, LockStatus{Locked: true})
		c.Restore(snap)
		assert.False(t, c.Has(missing))
	})
}

func TestCacheRemoveAndClear(t *testing.T) {
	c := NewCache()
	var events []ChangeKind
	cancel := c.OnChange(func(ev ChangeEvent) { events = append(events, ev.Kind) })
	defer cancel()

	c.Write(UnreadCountKey(), UnreadCount{Count: 1})
	c.Write(SmartLocksKey(), []SmartLock{})
	assert.Equal(t, 2, c.Len())

	c.Remove(UnreadCountKey())
	assert.False(t, c.Has(UnreadCountKey()))
	assert.Equal(t, []ChangeKind{ChangeWritten, ChangeWritten, ChangeRemoved}, events)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())
}

func TestCacheMaxEntries(t *testing.T) {
	c := NewCache(WithMaxEntries(2))
	c.Write(LockStatusKey(1), LockStatus{})
	c.Write(LockStatusKey(2), LockStatus{})
	c.Write(LockStatusKey(3), LockStatus{})

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Has(LockStatusKey(1)), "least recently written entry evicted")
}

func TestAppendUnique(t *testing.T) {
	list := []ContactMessage{{ID: 5}, {ID: 6}}

	out, added := appendUnique(list, ContactMessage{ID: 7})
	assert.True(t, added)
	assert.Equal(t, []int64{5, 6, 7}, messageIDs(out))
	assert.Len(t, list, 2, "input untouched")

	out, added = appendUnique(out, ContactMessage{ID: 6})
	assert.False(t, added)
	assert.Equal(t, []int64{5, 6, 7}, messageIDs(out))
}

func messageIDs(list []ContactMessage) []int64 {
	ids := make([]int64, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	return ids
}
