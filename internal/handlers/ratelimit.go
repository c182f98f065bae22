package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// SwitchRateLimit caps switch requests per source IP within a sliding
// one-minute window. A zero limit disables the middleware.
func SwitchRateLimit(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	var mu sync.Mutex
	buckets := make(map[string][]time.Time)

	return func(c *gin.Context) {
		now := time.Now()
		windowStart := now.Add(-time.Minute)
		key := c.ClientIP()

		mu.Lock()
		bucket := buckets[key]
		for len(bucket) > 0 && bucket[0].Before(windowStart) {
			bucket = bucket[1:]
		}
		if len(bucket) >= perMinute {
			buckets[key] = bucket
			mu.Unlock()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many switch requests"})
			return
		}
		buckets[key] = append(bucket, now)
		mu.Unlock()
		c.Next()
	}
}
