package clenzy

// Cache key conventions shared by queries, event reducers and mutations.

// ContactThreadsKey addresses the contact thread summary list.
func ContactThreadsKey() Key { return Key{"contact", "threads"} }

// ContactMessagesKey addresses the message list of one contact thread.
func ContactMessagesKey(counterpartID string) Key {
	return Key{"contact", "threads", counterpartID, "messages"}
}

// ConversationsKey addresses the conversation summary list.
func ConversationsKey() Key { return Key{"conversations", "list"} }

// ConversationMessagesKey addresses the message list of one conversation.
func ConversationMessagesKey(conversationID int64) Key {
	return Key{"conversations", "messages", idString(conversationID)}
}

// UnreadCountKey addresses the unread notification counter.
func UnreadCountKey() Key { return Key{"notifications", "unread-count"} }

// NotificationPreferencesKey addresses the user's notification preferences.
func NotificationPreferencesKey() Key { return Key{"notification-preferences"} }

// SmartLocksKey addresses the smart lock list.
func SmartLocksKey() Key { return Key{"smart-locks", "list"} }

// LockStatusKey addresses the live status of one smart lock.
func LockStatusKey(lockID int64) Key {
	return Key{"smart-locks", idString(lockID), "status"}
}

// LockAutomationKey addresses the automation config of one smart lock.
func LockAutomationKey(lockID int64) Key {
	return Key{"smart-locks", idString(lockID), "automation"}
}

// NoiseAlertsKey addresses the noise alert list of one property.
func NoiseAlertsKey(propertyID int64) Key {
	return Key{"noise-alerts", idString(propertyID)}
}
