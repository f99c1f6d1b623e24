package model

// RequestIdentity 一次购买请求的不可变身份画像，
// 风控、令牌、准入全部基于它做多维判定。
type RequestIdentity struct {
	UserID            int64  `json:"user_id"`
	ProductID         uint   `json:"product_id"`
	ClientIP          string `json:"client_ip"`
	DeviceFingerprint string `json:"device_fingerprint"`
	UserRole          string `json:"user_role"`
	UserLevel         int    `json:"user_level"`
	CreditScore       int    `json:"credit_score"`
	Verified          bool   `json:"verified"`
}
