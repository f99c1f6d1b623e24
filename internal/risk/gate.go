package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"seckill_engine/internal/model"
	rediskey "seckill_engine/pkg/redis"
)

// Config 风控阈值，全部可配置（见 internal/config）。
type Config struct {
	VelocityWindow      time.Duration
	UserVelocityLimit   int64
	IPVelocityLimit     int64
	DeviceVelocityLimit int64
	BehaviorWindow      time.Duration
	BehaviorLimit       int64
}

// Decision 风控判定结果。RiskScore 即使放行也会给出，用于观测。
type Decision struct {
	Allowed   bool
	RiskScore int
	Reason    string
}

// Gate 防黄牛多维校验：黑名单 → 频次 → 信用 → 行为模式，逐级短路。
type Gate struct {
	rdb *rd.Client
	cfg Config
	log zerolog.Logger
}

func NewGate(rdb *rd.Client, cfg Config, log zerolog.Logger) *Gate {
	return &Gate{rdb: rdb, cfg: cfg, log: log.With().Str("component", "risk_gate").Logger()}
}

// luaCountWindow：INCR + 首次命中设过期，整体原子。返回窗口内计数。
const luaCountWindow = `
local key = KEYS[1]
local ttlSec = tonumber(ARGV[1])
local count = redis.call('INCR', key)
if count == 1 then
  redis.call('EXPIRE', key, ttlSec)
end
return count
`

// luaBehaviorLog：行为时间戳滚动日志，LPUSH 后裁剪并续期，返回当前长度。
const luaBehaviorLog = `
local key = KEYS[1]
local now = ARGV[1]
local cap = tonumber(ARGV[2])
local ttlSec = tonumber(ARGV[3])
redis.call('LPUSH', key, now)
redis.call('LTRIM', key, 0, cap)
redis.call('EXPIRE', key, ttlSec)
return redis.call('LLEN', key)
`

// Evaluate 依序执行全部检查，第一条不通过即拒绝。
// 返回错误表示存储不可用（基础设施故障），调用方不得当作业务拒绝。
func (g *Gate) Evaluate(ctx context.Context, id model.RequestIdentity) (Decision, error) {
	// 1. 黑名单：user/ip/device 任一命中直接拒绝
	blacklisted, err := g.isBlacklisted(ctx, id)
	if err != nil {
		return Decision{}, fmt.Errorf("blacklist check: %w", err)
	}
	if blacklisted {
		g.log.Warn().Int64("user_id", id.UserID).Str("ip", id.ClientIP).Msg("blacklisted identity rejected")
		return Decision{Allowed: false, RiskScore: 100, Reason: "blacklisted"}, nil
	}

	// 2. 滑动窗口频次：user ≤3/min, ip ≤10/min, device ≤5/min
	userCount, err := g.countWindow(ctx, rediskey.VelocityKey("user", strconv.FormatInt(id.UserID, 10)))
	if err != nil {
		return Decision{}, fmt.Errorf("user velocity: %w", err)
	}
	ipCount, err := g.countWindow(ctx, rediskey.VelocityKey("ip", id.ClientIP))
	if err != nil {
		return Decision{}, fmt.Errorf("ip velocity: %w", err)
	}
	var deviceCount int64
	if id.DeviceFingerprint != "" {
		deviceCount, err = g.countWindow(ctx, rediskey.VelocityKey("device", id.DeviceFingerprint))
		if err != nil {
			return Decision{}, fmt.Errorf("device velocity: %w", err)
		}
	}

	score := g.riskScore(id, userCount, ipCount)

	if userCount > g.cfg.UserVelocityLimit || ipCount > g.cfg.IPVelocityLimit ||
		(id.DeviceFingerprint != "" && deviceCount > g.cfg.DeviceVelocityLimit) {
		g.log.Warn().Int64("user_id", id.UserID).
			Int64("user_count", userCount).Int64("ip_count", ipCount).Int64("device_count", deviceCount).
			Msg("velocity limit exceeded")
		return Decision{Allowed: false, RiskScore: score, Reason: "velocity limit exceeded"}, nil
	}

	// 3. 信用度：未实名直接拒；信用分 <60 拒；低等级要求更高信用
	if reason, ok := credibilityReject(id); !ok {
		g.log.Warn().Int64("user_id", id.UserID).Int("level", id.UserLevel).
			Int("credit", id.CreditScore).Bool("verified", id.Verified).Msg("credibility rejected")
		return Decision{Allowed: false, RiskScore: score, Reason: reason}, nil
	}

	// 4. 行为模式：5 分钟内动作超过阈值视为机器人节奏
	behaviorCount, err := g.recordBehavior(ctx, id.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("behavior log: %w", err)
	}
	if behaviorCount > g.cfg.BehaviorLimit {
		g.log.Warn().Int64("user_id", id.UserID).Int64("actions", behaviorCount).Msg("bot-like cadence rejected")
		return Decision{Allowed: false, RiskScore: score, Reason: "behavior pattern"}, nil
	}

	return Decision{Allowed: true, RiskScore: score}, nil
}

func (g *Gate) isBlacklisted(ctx context.Context, id model.RequestIdentity) (bool, error) {
	keys := []string{
		rediskey.BlacklistKey("user", strconv.FormatInt(id.UserID, 10)),
		rediskey.BlacklistKey("ip", id.ClientIP),
	}
	if id.DeviceFingerprint != "" {
		keys = append(keys, rediskey.BlacklistKey("device", id.DeviceFingerprint))
	}
	n, err := g.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *Gate) countWindow(ctx context.Context, key string) (int64, error) {
	return g.rdb.Eval(ctx, luaCountWindow, []string{key}, int64(g.cfg.VelocityWindow.Seconds())).Int64()
}

func (g *Gate) recordBehavior(ctx context.Context, userID int64) (int64, error) {
	return g.rdb.Eval(ctx, luaBehaviorLog, []string{rediskey.BehaviorKey(userID)},
		time.Now().UnixMilli(), g.cfg.BehaviorLimit, int64(g.cfg.BehaviorWindow.Seconds())).Int64()
}

// credibilityReject 信用检查；ok=false 时返回拒绝原因。
func credibilityReject(id model.RequestIdentity) (string, bool) {
	if !id.Verified {
		return "identity not verified", false
	}
	if id.CreditScore < 60 {
		return "credit score too low", false
	}
	if id.UserLevel < 2 && id.CreditScore < 80 {
		return "new account requires higher credit", false
	}
	return "", true
}

// riskScore 加权风险分：频次异常 +30/+40，低信用 +20，未实名 +30，低等级 +10，封顶 100。
func (g *Gate) riskScore(id model.RequestIdentity, userCount, ipCount int64) int {
	score := 0
	if userCount > g.cfg.UserVelocityLimit-1 {
		score += 30
	}
	if ipCount > g.cfg.IPVelocityLimit-2 {
		score += 40
	}
	if id.CreditScore < 70 {
		score += 20
	}
	if !id.Verified {
		score += 30
	}
	if id.UserLevel < 2 {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// AddToBlacklist 管理操作：按维度写入黑名单，显式 TTL。
func (g *Gate) AddToBlacklist(ctx context.Context, userID int64, ip, device, reason string, ttl time.Duration) error {
	pipe := g.rdb.TxPipeline()
	if userID > 0 {
		pipe.Set(ctx, rediskey.BlacklistKey("user", strconv.FormatInt(userID, 10)), reason, ttl)
	}
	if ip != "" {
		pipe.Set(ctx, rediskey.BlacklistKey("ip", ip), reason, ttl)
	}
	if device != "" {
		pipe.Set(ctx, rediskey.BlacklistKey("device", device), reason, ttl)
	}
	_, err := pipe.Exec(ctx)
	if err == nil {
		g.log.Warn().Int64("user_id", userID).Str("ip", ip).Str("reason", reason).Msg("blacklist entry added")
	}
	return err
}

// RemoveFromBlacklist 管理操作：移除黑名单。
func (g *Gate) RemoveFromBlacklist(ctx context.Context, userID int64, ip, device string) error {
	keys := make([]string, 0, 3)
	if userID > 0 {
		keys = append(keys, rediskey.BlacklistKey("user", strconv.FormatInt(userID, 10)))
	}
	if ip != "" {
		keys = append(keys, rediskey.BlacklistKey("ip", ip))
	}
	if device != "" {
		keys = append(keys, rediskey.BlacklistKey("device", device))
	}
	if len(keys) == 0 {
		return nil
	}
	return g.rdb.Del(ctx, keys...).Err()
}
