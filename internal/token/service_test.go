package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seckill_engine/internal/model"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	if cfg.UserHourlyCap == 0 {
		cfg.UserHourlyCap = 5
	}
	if cfg.IPHourlyCap == 0 {
		cfg.IPHourlyCap = 20
	}
	if cfg.ConsumedLinger == 0 {
		cfg.ConsumedLinger = 5 * time.Minute
	}
	return NewService(rdb, cfg, zerolog.Nop())
}

func tokenIdentity(userID int64) model.RequestIdentity {
	return model.RequestIdentity{
		UserID:      userID,
		ProductID:   1,
		ClientIP:    "10.0.0.1",
		UserLevel:   3,
		CreditScore: 90,
		Verified:    true,
	}
}

func TestIssueAndConsume(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	tok, err := svc.Issue(ctx, tokenIdentity(1), "answer")
	require.NoError(t, err)
	assert.Len(t, tok, 32)

	ok, err := svc.ValidateAndConsume(ctx, 1, 1, tok, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	// 单次使用:第二次消费被拒
	ok, err = svc.ValidateAndConsume(ctx, 1, 1, tok, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChallengeRequired(t *testing.T) {
	svc := newTestService(t, Config{})

	_, err := svc.Issue(context.Background(), tokenIdentity(1), "abc")
	assert.ErrorIs(t, err, ErrChallengeFailed)
}

func TestConsumeRejectsForeignIP(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	tok, err := svc.Issue(ctx, tokenIdentity(2), "answer")
	require.NoError(t, err)

	// 他机出示令牌:硬拒绝,且不消耗令牌
	ok, err := svc.ValidateAndConsume(ctx, 2, 1, tok, "192.168.1.99")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.ValidateAndConsume(ctx, 2, 1, tok, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok, "签发 IP 仍可正常消费")
}

func TestConsumeRejectsWrongToken(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Issue(ctx, tokenIdentity(3), "answer")
	require.NoError(t, err)

	ok, err := svc.ValidateAndConsume(ctx, 3, 1, "forged-token", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.ValidateAndConsume(ctx, 3, 1, "", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIssueRateLimited(t *testing.T) {
	svc := newTestService(t, Config{UserHourlyCap: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Issue(ctx, tokenIdentity(4), "answer")
		require.NoError(t, err)
	}
	_, err := svc.Issue(ctx, tokenIdentity(4), "answer")
	assert.ErrorIs(t, err, ErrIssueRateLimited)
}

func TestIssueIPRateLimited(t *testing.T) {
	svc := newTestService(t, Config{UserHourlyCap: 100, IPHourlyCap: 3})
	ctx := context.Background()

	// 同一 IP 上不同用户
	for i := int64(10); i < 13; i++ {
		_, err := svc.Issue(ctx, tokenIdentity(i), "answer")
		require.NoError(t, err)
	}
	_, err := svc.Issue(ctx, tokenIdentity(13), "answer")
	assert.ErrorIs(t, err, ErrIssueRateLimited)
}

func TestConsumeConcurrentSingleWinner(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	tok, err := svc.Issue(ctx, tokenIdentity(5), "answer")
	require.NoError(t, err)

	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.ValidateAndConsume(ctx, 5, 1, tok, "10.0.0.1")
			if assert.NoError(t, err) && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners.Load())
}

func TestTokenValidityScaling(t *testing.T) {
	// 基础 10 分钟,高等级 +10,高信用 +5,已实名 +5,封顶 30
	assert.Equal(t, 30*time.Minute, tokenValidity(tokenIdentity(1)))

	id := tokenIdentity(1)
	id.UserLevel = 2
	id.CreditScore = 85
	assert.Equal(t, 23*time.Minute, tokenValidity(id))

	id = model.RequestIdentity{UserLevel: 1, CreditScore: 50}
	assert.Equal(t, 10*time.Minute, tokenValidity(id))
}
