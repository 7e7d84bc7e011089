// Package tokencache holds the in-memory binding between live connections and
// the admin tokens that authenticated them.
//
// Bindings are keyed by connection ID and expire with the access token, so a
// connection whose token lapses without a refresh naturally loses its binding.
// Nothing here is persisted; a restart drops all bindings and admins
// re-authenticate on reconnect.
package tokencache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Binding associates a connection with the admin identity and token that
// authenticated it.
type Binding struct {
	AdminID     string
	Username    string
	AccessToken string
	ExpiresAt   time.Time
}

// Cache stores connection-to-token bindings with token-aligned expiry.
// Safe for concurrent use.
type Cache struct {
	store *gocache.Cache
}

// New creates a Cache. defaultTTL bounds bindings whose token carries no
// expiry; sweepInterval controls how often expired entries are purged.
func New(defaultTTL, sweepInterval time.Duration) *Cache {
	return &Cache{store: gocache.New(defaultTTL, sweepInterval)}
}

// Bind stores the binding for a connection, expiring when the access token
// does. Rebinding a connection (after a token refresh) replaces the entry.
func (c *Cache) Bind(connID string, b Binding) {
	ttl := gocache.DefaultExpiration
	if !b.ExpiresAt.IsZero() {
		ttl = time.Until(b.ExpiresAt)
	}
	c.store.Set(connID, b, ttl)
}

// Lookup returns the binding for a connection. The second return is false when
// no binding exists or it has expired.
func (c *Cache) Lookup(connID string) (Binding, bool) {
	v, ok := c.store.Get(connID)
	if !ok {
		return Binding{}, false
	}
	return v.(Binding), true
}

// Drop removes a connection's binding, typically on disconnect.
func (c *Cache) Drop(connID string) {
	c.store.Delete(connID)
}

// Len reports the number of live bindings, including not-yet-swept expired
// entries.
func (c *Cache) Len() int {
	return c.store.ItemCount()
}
