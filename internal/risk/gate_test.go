package risk

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seckill_engine/internal/model"
)

func newTestGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewGate(rdb, cfg, zerolog.Nop())
}

func defaultGateConfig() Config {
	return Config{
		VelocityWindow:      time.Minute,
		UserVelocityLimit:   3,
		IPVelocityLimit:     10,
		DeviceVelocityLimit: 5,
		BehaviorWindow:      5 * time.Minute,
		BehaviorLimit:       10,
	}
}

func trustedIdentity(userID int64) model.RequestIdentity {
	return model.RequestIdentity{
		UserID:      userID,
		ProductID:   1,
		ClientIP:    "10.0.0.1",
		UserLevel:   3,
		CreditScore: 90,
		Verified:    true,
	}
}

func TestEvaluateAllowsTrustedUser(t *testing.T) {
	g := newTestGate(t, defaultGateConfig())

	dec, err := g.Evaluate(context.Background(), trustedIdentity(1))
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 0, dec.RiskScore)
}

func TestBlacklistRejects(t *testing.T) {
	g := newTestGate(t, defaultGateConfig())
	ctx := context.Background()

	require.NoError(t, g.AddToBlacklist(ctx, 1, "", "", "scalper", time.Hour))

	dec, err := g.Evaluate(ctx, trustedIdentity(1))
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 100, dec.RiskScore)
	assert.Equal(t, "blacklisted", dec.Reason)

	require.NoError(t, g.RemoveFromBlacklist(ctx, 1, "", ""))
	dec, err = g.Evaluate(ctx, trustedIdentity(1))
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestBlacklistByDevice(t *testing.T) {
	g := newTestGate(t, defaultGateConfig())
	ctx := context.Background()

	require.NoError(t, g.AddToBlacklist(ctx, 0, "", "dev-xyz", "device farm", time.Hour))

	id := trustedIdentity(2)
	id.DeviceFingerprint = "dev-xyz"
	dec, err := g.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestUserVelocityLimit(t *testing.T) {
	g := newTestGate(t, defaultGateConfig())
	ctx := context.Background()

	var dec Decision
	var err error
	for i := 0; i < 4; i++ {
		dec, err = g.Evaluate(ctx, trustedIdentity(5))
		require.NoError(t, err)
	}
	assert.False(t, dec.Allowed, "第 4 次请求应触发 user 频次限制")
	assert.Equal(t, "velocity limit exceeded", dec.Reason)
	assert.Equal(t, 30, dec.RiskScore)
}

func TestIPVelocityLimit(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.UserVelocityLimit = 100
	g := newTestGate(t, cfg)
	ctx := context.Background()

	// 同一 IP 上不同用户连续请求
	var dec Decision
	var err error
	for i := int64(1); i <= 11; i++ {
		dec, err = g.Evaluate(ctx, trustedIdentity(i))
		require.NoError(t, err)
	}
	assert.False(t, dec.Allowed)
	assert.Equal(t, "velocity limit exceeded", dec.Reason)
}

func TestCredibilityChecks(t *testing.T) {
	g := newTestGate(t, defaultGateConfig())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*model.RequestIdentity)
		reason string
	}{
		{"未实名", func(id *model.RequestIdentity) { id.Verified = false }, "identity not verified"},
		{"低信用", func(id *model.RequestIdentity) { id.CreditScore = 50 }, "credit score too low"},
		{"新账号信用不足", func(id *model.RequestIdentity) { id.UserLevel = 1; id.CreditScore = 70 }, "new account requires higher credit"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := trustedIdentity(int64(100 + i))
			id.ClientIP = "10.0.1." + tc.name
			tc.mutate(&id)
			dec, err := g.Evaluate(ctx, id)
			require.NoError(t, err)
			assert.False(t, dec.Allowed)
			assert.Equal(t, tc.reason, dec.Reason)
		})
	}
}

func TestBehaviorPatternRejects(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.UserVelocityLimit = 100
	cfg.IPVelocityLimit = 100
	cfg.BehaviorLimit = 2
	g := newTestGate(t, cfg)
	ctx := context.Background()

	var dec Decision
	var err error
	for i := 0; i < 3; i++ {
		dec, err = g.Evaluate(ctx, trustedIdentity(9))
		require.NoError(t, err)
	}
	assert.False(t, dec.Allowed)
	assert.Equal(t, "behavior pattern", dec.Reason)
}

func TestRiskScoreWeights(t *testing.T) {
	g := newTestGate(t, defaultGateConfig())
	ctx := context.Background()

	// 未实名 +30,低信用 +20,低等级 +10
	id := trustedIdentity(20)
	id.Verified = false
	id.CreditScore = 65
	id.UserLevel = 1
	dec, err := g.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 60, dec.RiskScore)
}
