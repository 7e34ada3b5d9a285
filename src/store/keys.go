package store

// Cache key naming. All derived summaries live under a type prefix so they
// never collide with other tenants of the same Redis database.

// VideoKey returns the cache key for a video summary: video:{id}
func VideoKey(videoID string) string { return "video:" + videoID }

// SessionKey returns the cache key for a session summary: session:{id}
func SessionKey(sessionID string) string { return "session:" + sessionID }
