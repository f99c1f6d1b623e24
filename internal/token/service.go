package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"seckill_engine/internal/model"
	rediskey "seckill_engine/pkg/redis"
)

var (
	// ErrIssueRateLimited 签发频率超限（user 5/h 或 ip 20/h）。
	ErrIssueRateLimited = errors.New("token issue rate limited")
	// ErrChallengeFailed 挑战答案校验失败（验证码占位）。
	ErrChallengeFailed = errors.New("challenge answer invalid")
)

// Config 令牌服务配置。
type Config struct {
	Secret        string
	UserHourlyCap int64
	IPHourlyCap   int64
	// ConsumedLinger 消费后保留的残余 TTL，供审计查询，同时保住重放检测。
	ConsumedLinger time.Duration
}

// Service 资格令牌服务：风控通过后签发短时、一次性、绑定上下文的令牌。
// 前置条件：调用方必须先通过 AntiScalpingGate，本服务只做自身的签发限频。
type Service struct {
	rdb *rd.Client
	cfg Config
	log zerolog.Logger
}

func NewService(rdb *rd.Client, cfg Config, log zerolog.Logger) *Service {
	return &Service{rdb: rdb, cfg: cfg, log: log.With().Str("component", "token").Logger()}
}

// luaIssueCount：签发计数 INCR + 首次设 1 小时过期。
const luaIssueCount = `
local key = KEYS[1]
local ttlSec = tonumber(ARGV[1])
local count = redis.call('INCR', key)
if count == 1 then
  redis.call('EXPIRE', key, ttlSec)
end
return count
`

// luaConsumeToken：校验与置 used 必须一体，
// 并发重放时 N 个竞争者只有一个能走到 HSET。
// 返回 1=成功，0=无效/已用，-1=IP 不一致（疑似令牌被盗）。
const luaConsumeToken = `
local key = KEYS[1]
local token = ARGV[1]
local ip = ARGV[2]
local lingerSec = tonumber(ARGV[3])

if redis.call('EXISTS', key) == 0 then
  return 0
end
if redis.call('HGET', key, 'token') ~= token then
  return 0
end
if redis.call('HGET', key, 'ip') ~= ip then
  return -1
end
if redis.call('HGET', key, 'used') == '1' then
  return 0
end
redis.call('HSET', key, 'used', '1')
redis.call('EXPIRE', key, lingerSec)
return 1
`

// Issue 签发令牌。挑战答案为验证码等人机校验的占位（长度 ≥4 即认可）。
func (s *Service) Issue(ctx context.Context, id model.RequestIdentity, challengeAnswer string) (string, error) {
	if len(challengeAnswer) < 4 {
		return "", ErrChallengeFailed
	}

	if err := s.checkIssueFrequency(ctx, id); err != nil {
		return "", err
	}

	validity := tokenValidity(id)
	issuedAt := time.Now()
	token := s.deriveToken(id, issuedAt)

	key := rediskey.TokenKey(id.UserID, id.ProductID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"token", token,
		"ip", id.ClientIP,
		"device", id.DeviceFingerprint,
		"issued_at", issuedAt.UnixMilli(),
		"used", "0",
	)
	pipe.Expire(ctx, key, validity)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}

	s.log.Info().Int64("user_id", id.UserID).Uint("product_id", id.ProductID).
		Dur("validity", validity).Msg("capability token issued")
	return token, nil
}

// ValidateAndConsume 一次性消费令牌。任何不匹配（缺失/值不符/IP 不符/已使用）都拒绝。
func (s *Service) ValidateAndConsume(ctx context.Context, userID int64, productID uint, token, ip string) (bool, error) {
	if token == "" {
		return false, nil
	}
	res, err := s.rdb.Eval(ctx, luaConsumeToken,
		[]string{rediskey.TokenKey(userID, productID)},
		token, ip, int64(s.cfg.ConsumedLinger.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("consume token: %w", err)
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		// IP 与签发时不一致：硬拒绝，按令牌被盗处理
		s.log.Warn().Int64("user_id", userID).Uint("product_id", productID).
			Str("presented_ip", ip).Msg("token presented from foreign ip")
		return false, nil
	default:
		return false, nil
	}
}

func (s *Service) checkIssueFrequency(ctx context.Context, id model.RequestIdentity) error {
	const hourSec = 3600
	userCount, err := s.rdb.Eval(ctx, luaIssueCount,
		[]string{rediskey.TokenIssueCountKey("user", strconv.FormatInt(id.UserID, 10))}, hourSec).Int64()
	if err != nil {
		return fmt.Errorf("issue count: %w", err)
	}
	if userCount > s.cfg.UserHourlyCap {
		return ErrIssueRateLimited
	}
	ipCount, err := s.rdb.Eval(ctx, luaIssueCount,
		[]string{rediskey.TokenIssueCountKey("ip", id.ClientIP)}, hourSec).Int64()
	if err != nil {
		return fmt.Errorf("issue count: %w", err)
	}
	if ipCount > s.cfg.IPHourlyCap {
		return ErrIssueRateLimited
	}
	return nil
}

// deriveToken 单向哈希 (user, product, ip, ts, secret) 截断 32 位，
// 不可逆且没有 secret 无法预测。
func (s *Service) deriveToken(id model.RequestIdentity, issuedAt time.Time) string {
	input := fmt.Sprintf("%d:%d:%s:%d:%s", id.UserID, id.ProductID, id.ClientIP, issuedAt.UnixMilli(), s.cfg.Secret)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:32]
}

// tokenValidity 信任度越高有效期越长：基础 10 分钟，封顶 30 分钟。
func tokenValidity(id model.RequestIdentity) time.Duration {
	minutes := 10
	switch {
	case id.UserLevel >= 3:
		minutes += 10
	case id.UserLevel >= 2:
		minutes += 5
	}
	switch {
	case id.CreditScore >= 90:
		minutes += 5
	case id.CreditScore >= 80:
		minutes += 3
	}
	if id.Verified {
		minutes += 5
	}
	if minutes > 30 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}
