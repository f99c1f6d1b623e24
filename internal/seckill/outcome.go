package seckill

import "errors"

// ErrUnavailable 标记基础设施故障（Redis/DB/传输不可用）。
// 必须与“库存不足”等业务拒绝严格区分，调用方据此返回 503 而非 4xx。
var ErrUnavailable = errors.New("backing store unavailable")

// OutcomeKind 一次购买尝试的三种用户可见结局。
type OutcomeKind string

const (
	// OutcomeCreated 订单已创建。
	OutcomeCreated OutcomeKind = "created"
	// OutcomeQueued 已排队，客户端应轮询准入状态后重试。
	OutcomeQueued OutcomeKind = "queued"
	// OutcomeRejected 业务拒绝（终态，不自动重试）。
	OutcomeRejected OutcomeKind = "rejected"
)

// 业务拒绝原因（用户可见文案，不含内部细节）。
const (
	ReasonDuplicate     = "duplicate request"
	ReasonRiskRejected  = "risk check failed"
	ReasonTokenInvalid  = "token invalid or expired"
	ReasonStockShort    = "stock not enough"
	ReasonWindowClosed  = "sale window closed"
	ReasonPurchaseLimit = "per-user purchase limit reached"
	ReasonAlreadyQueued = "already queued or processing"
	ReasonLockBusy      = "resource busy, retry later"
)

// Outcome 购买流水线的结构化结果。
type Outcome struct {
	Kind          OutcomeKind `json:"kind"`
	OrderNo       string      `json:"order_no,omitempty"`
	QueuePosition int64       `json:"queue_position,omitempty"`
	Sequence      int64       `json:"sequence,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	RiskScore     int         `json:"risk_score"`
}

func rejected(reason string, riskScore int) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason, RiskScore: riskScore}
}
