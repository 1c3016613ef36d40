package instances

import (
	"sync"
	"time"
)

type cachedQR struct {
	code      string
	expiresAt time.Time
}

// QRCache keeps the last issued QR code per instance for a fixed TTL. It is not
// authoritative: the instance row state is.
type QRCache struct {
	ttl   time.Duration
	now   func() time.Time
	codes map[string]cachedQR
	mu    sync.RWMutex
}

// NewQRCache creates a cache whose entries live for ttl.
func NewQRCache(ttl time.Duration) *QRCache {
	return &QRCache{
		ttl:   ttl,
		now:   time.Now,
		codes: make(map[string]cachedQR),
	}
}

// Get returns the cached code for an instance, or false on a miss or expiry.
func (c *QRCache) Get(instanceID string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.codes[instanceID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if current, ok := c.codes[instanceID]; ok && current == entry {
			delete(c.codes, instanceID)
		}
		c.mu.Unlock()
		return "", false
	}
	return entry.code, true
}

// Put stores code for an instance, replacing any previous one and restarting its TTL.
func (c *QRCache) Put(instanceID, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[instanceID] = cachedQR{code: code, expiresAt: c.now().Add(c.ttl)}
}

// Clear removes the cached code of an instance.
func (c *QRCache) Clear(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.codes, instanceID)
}

// Sweep drops every expired entry.
func (c *QRCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, entry := range c.codes {
		if !now.Before(entry.expiresAt) {
			delete(c.codes, id)
			removed++
		}
	}
	return removed
}
