package global

// Redis key conventions. Every component goes through these helpers so the
// key layout stays greppable in one place.

// RateLimitKey : rate_limit:<operation-class>:<actor-id>
func RateLimitKey(class, actor string) string {
	return "rate_limit:" + class + ":" + actor
}

// BreakerStateKey : circuit:breaker:<serviceName>
func BreakerStateKey(service string) string {
	return "circuit:breaker:" + service
}

// BreakerFailureKey : failure:count:<serviceName>
func BreakerFailureKey(service string) string {
	return "failure:count:" + service
}

// BreakerLastFailureKey : last:failure:<serviceName>
func BreakerLastFailureKey(service string) string {
	return "last:failure:" + service
}

// PresenceKey : im:presence:<user> -> gateway id, TTL bounds online validity
func PresenceKey(user string) string {
	return "im:presence:" + user
}

// PendingRetryKey : notify:pending (ZSET scored by nextRetryTime)
func PendingRetryKey() string {
	return "notify:pending"
}

// PrefCacheKey : notify:pref:<user> (HASH kind -> 0/1)
func PrefCacheKey(user string) string {
	return "notify:pref:" + user
}

// AttentionWatchersKey : attention:watchers:<user> (SET of users watching <user>)
func AttentionWatchersKey(user string) string {
	return "attention:watchers:" + user
}

// AttentionWatchesKey : attention:watches:<user> (SET of users <user> watches)
func AttentionWatchesKey(user string) string {
	return "attention:watches:" + user
}
