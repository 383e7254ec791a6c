package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNonceCacheRejectsDuplicate(t *testing.T) {
	c := NewNonceCache(time.Minute)
	now := time.Now()

	assert.True(t, c.CheckAndInsert("a", now))
	assert.False(t, c.CheckAndInsert("a", now))
	assert.True(t, c.CheckAndInsert("b", now))
}

func TestNonceCacheReclaimDropsExpiredOnly(t *testing.T) {
	c := NewNonceCache(time.Minute)
	old := time.Now().Add(-2 * time.Minute)
	fresh := time.Now()

	c.CheckAndInsert("expired", old)
	c.CheckAndInsert("fresh", fresh)

	removed := c.Reclaim(time.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())
}
