package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(t *testing.T, limit int) *gin.Engine {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/buy", RedisRateLimit(rdb, limit, time.Minute), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": 0})
	})
	return r
}

func postBuy(r *gin.Engine, body string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/buy", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitPerUser(t *testing.T) {
	r := newLimitedRouter(t, 2)

	assert.Equal(t, http.StatusOK, postBuy(r, `{"user_id":1}`))
	assert.Equal(t, http.StatusOK, postBuy(r, `{"user_id":1}`))
	assert.Equal(t, http.StatusTooManyRequests, postBuy(r, `{"user_id":1}`))

	// 不同用户各自计数
	assert.Equal(t, http.StatusOK, postBuy(r, `{"user_id":2}`))
}

func TestRateLimitFallsBackToIP(t *testing.T) {
	r := newLimitedRouter(t, 2)

	// body 里没有 user_id:按 IP 限流
	assert.Equal(t, http.StatusOK, postBuy(r, `{}`))
	assert.Equal(t, http.StatusOK, postBuy(r, `{}`))
	assert.Equal(t, http.StatusTooManyRequests, postBuy(r, `{}`))
}

func TestRateLimitBodyStillReadable(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/buy", RedisRateLimit(rdb, 10, time.Minute), func(c *gin.Context) {
		var req struct {
			UserID int64 `json:"user_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": req.UserID})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/buy", bytes.NewBufferString(`{"user_id":42}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	// 限流中间件读过 body 之后,handler 仍然能解析出 user_id
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "42")
}
