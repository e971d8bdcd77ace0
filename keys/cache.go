package keys

import lru "github.com/hashicorp/golang-lru/v2"

const defaultCacheSize = 512

// Cache memoizes derived encryption keys. HKDF is cheap, but the gateway
// derives on every storage round trip, so connected rooms keep their keys
// warm here.
type Cache struct {
	lru *lru.Cache[string, []byte]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// EncryptionKey returns the cached key for connectPassword, deriving it on a
// miss.
func (c *Cache) EncryptionKey(connectPassword string) []byte {
	if key, ok := c.lru.Get(connectPassword); ok {
		return key
	}
	key := EncryptionKey(connectPassword)
	c.lru.Add(connectPassword, key)
	return key
}

// Forget drops the derived key, used when the last connection of a room goes
// away.
func (c *Cache) Forget(connectPassword string) {
	c.lru.Remove(connectPassword)
}
