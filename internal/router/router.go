package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"seckill_engine/internal/async"
	"seckill_engine/internal/config"
	"seckill_engine/internal/middleware"
	"seckill_engine/internal/model"
	"seckill_engine/internal/risk"
	"seckill_engine/internal/seckill"
	"seckill_engine/internal/token"
	rediskey "seckill_engine/pkg/redis"
)

// Deps 路由依赖集合。
type Deps struct {
	DB        *gorm.DB
	RDB       *rd.Client
	Store     seckill.OrderStore
	Pipeline  *seckill.Pipeline
	Processor *async.Processor
	Gate      *risk.Gate
	Tokens    *token.Service
	Registry  *prometheus.Registry
	Cfg       config.AppConfig
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	if d.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}

	// Products
	r.GET("/api/products", listProducts(d.DB))
	r.POST("/api/products", createProduct(d.DB))

	// Seckill
	r.POST("/api/seckill/preload/:product_id",
		middleware.AdminAuth(d.Cfg.AdminToken), preloadStock(d.Store, d.RDB, d.Cfg.StockCacheTTL))
	r.GET("/api/seckill/stock/:product_id", getStock(d.RDB))
	r.POST("/api/seckill/token", issueToken(d.Tokens, d.Gate))
	r.POST("/api/seckill/buy",
		middleware.RedisRateLimit(d.RDB, d.Cfg.BuyRateLimit, d.Cfg.BuyRateWindow), buy(d.Pipeline))
	r.GET("/api/seckill/queue/:product_id", queueStatus(d.Pipeline))
	r.GET("/api/seckill/order/:order_no", getOrder(d.Store))

	// 异步批量下单
	r.POST("/api/seckill/async/buy",
		middleware.RedisRateLimit(d.RDB, d.Cfg.BuyRateLimit, d.Cfg.BuyRateWindow), asyncBuy(d.Processor, d.Gate))
	r.GET("/api/seckill/async/result/:task_id", asyncResult(d.Processor))

	// Admin
	admin := r.Group("/api/admin", middleware.AdminAuth(d.Cfg.AdminToken))
	admin.POST("/blacklist", addBlacklist(d.Gate))
	admin.DELETE("/blacklist", removeBlacklist(d.Gate))
}

// buyRequest 购买接口的公共请求体,同步与异步入口共用。
type buyRequest struct {
	ProductID   uint   `json:"product_id" binding:"required,min=1"`
	UserID      int64  `json:"user_id" binding:"required,min=1"`
	Quantity    int    `json:"quantity" binding:"omitempty,min=1,max=1"`
	RequestID   string `json:"request_id" binding:"omitempty,max=64"`
	Token       string `json:"token"`
	Device      string `json:"device_fingerprint"`
	UserRole    string `json:"user_role"`
	UserLevel   int    `json:"user_level"`
	CreditScore int    `json:"credit_score"`
	Verified    bool   `json:"verified"`
}

func (req *buyRequest) identity(clientIP string) model.RequestIdentity {
	return model.RequestIdentity{
		UserID:            req.UserID,
		ProductID:         req.ProductID,
		ClientIP:          clientIP,
		DeviceFingerprint: req.Device,
		UserRole:          req.UserRole,
		UserLevel:         req.UserLevel,
		CreditScore:       req.CreditScore,
		Verified:          req.Verified,
	}
}

// listProducts 查询商品列表。
func listProducts(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var list []model.Product
		if err := db.Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// createProduct 创建秒杀商品（含时间窗校验）。
func createProduct(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name         string `json:"name" binding:"required"`
			Stock        int64  `json:"stock" binding:"required,min=1"`
			SalePrice    int64  `json:"sale_price" binding:"required,min=1"`
			StartTime    string `json:"start_time" binding:"required"`
			EndTime      string `json:"end_time" binding:"required"`
			PerUserLimit int    `json:"per_user_limit" binding:"omitempty,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "start_time 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
			return
		}
		if !end.After(start) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 start_time"})
			return
		}
		if req.PerUserLimit <= 0 {
			req.PerUserLimit = 1
		}
		p := &model.Product{
			Name:         req.Name,
			Stock:        req.Stock,
			SalePrice:    req.SalePrice,
			StartTime:    start,
			EndTime:      end,
			PerUserLimit: req.PerUserLimit,
			Status:       model.ProductOnline,
		}
		if err := db.Create(p).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
	}
}

// preloadStock 将 DB 库存预热到 Redis，供高并发扣减。
func preloadStock(store seckill.OrderStore, rdb *rd.Client, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseProductID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商品ID无效"})
			return
		}
		p, err := store.GetProduct(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, seckill.ErrProductNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商品不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if err := rediskey.PreloadStock(c.Request.Context(), rdb, id, p.Stock, ttl); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(rdb *rd.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseProductID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商品ID无效"})
			return
		}
		val, err := rediskey.GetStock(c.Request.Context(), rdb, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": val}})
	}
}

// issueToken 签发购买资格令牌:先过风控,黑名单与超频用户不得领取。
func issueToken(tokens *token.Service, gate *risk.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID       uint   `json:"product_id" binding:"required,min=1"`
			UserID          int64  `json:"user_id" binding:"required,min=1"`
			ChallengeAnswer string `json:"challenge_answer" binding:"required"`
			Device          string `json:"device_fingerprint"`
			UserRole        string `json:"user_role"`
			UserLevel       int    `json:"user_level"`
			CreditScore     int    `json:"credit_score"`
			Verified        bool   `json:"verified"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		id := model.RequestIdentity{
			UserID:            req.UserID,
			ProductID:         req.ProductID,
			ClientIP:          c.ClientIP(),
			DeviceFingerprint: req.Device,
			UserRole:          req.UserRole,
			UserLevel:         req.UserLevel,
			CreditScore:       req.CreditScore,
			Verified:          req.Verified,
		}
		dec, err := gate.Evaluate(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "系统繁忙，请稍后再试"})
			return
		}
		if !dec.Allowed {
			c.JSON(http.StatusForbidden, gin.H{"code": 403, "msg": dec.Reason})
			return
		}
		tok, err := tokens.Issue(c.Request.Context(), id, req.ChallengeAnswer)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrChallengeFailed):
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "人机校验未通过"})
			case errors.Is(err, token.ErrIssueRateLimited):
				c.JSON(http.StatusTooManyRequests, gin.H{"code": 429, "msg": "令牌申请过于频繁"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"token": tok}})
	}
}

// buy 同步下单入口:穿过完整购买流水线,
// 200 表示已成单,202 表示已进入公平排队,等待轮询。
func buy(pipeline *seckill.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req buyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.RequestID == "" {
			req.RequestID = uuid.New().String()
		}
		out, err := pipeline.Purchase(c.Request.Context(), seckill.Command{
			Identity:     req.identity(c.ClientIP()),
			Quantity:     req.Quantity,
			RequestID:    req.RequestID,
			Token:        req.Token,
			RequireToken: true,
		})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "系统繁忙，请稍后再试"})
			return
		}

		switch out.Kind {
		case seckill.OutcomeCreated:
			c.JSON(http.StatusOK, gin.H{
				"code": 0,
				"data": gin.H{
					"status":     "created",
					"order_no":   out.OrderNo,
					"request_id": req.RequestID,
				},
			})
		case seckill.OutcomeQueued:
			c.JSON(http.StatusAccepted, gin.H{
				"code": 0,
				"data": gin.H{
					"status":     "queued",
					"position":   out.QueuePosition,
					"sequence":   out.Sequence,
					"request_id": req.RequestID,
				},
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"code": 400,
				"msg":  out.Reason,
				"data": gin.H{"request_id": req.RequestID},
			})
		}
	}
}

// queueStatus 查询用户的排队状态(轮询接口)。
func queueStatus(pipeline *seckill.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseProductID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商品ID无效"})
			return
		}
		userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
		if err != nil || userID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "user_id 无效"})
			return
		}
		pos, err := pipeline.AdmissionStatus(c.Request.Context(), id, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"state":    string(pos.State),
				"position": pos.Position,
				"sequence": pos.Sequence,
			},
		})
	}
}

// getOrder 按订单号查询订单。
func getOrder(store seckill.OrderStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderNo := c.Param("order_no")
		if orderNo == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "order_no 必填"})
			return
		}
		o, err := store.GetOrder(c.Request.Context(), orderNo)
		if err != nil {
			if errors.Is(err, seckill.ErrOrderNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "订单不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": o})
	}
}

// asyncBuy 异步下单入口:先过风控,再原子入队,立即返回任务 ID。
func asyncBuy(processor *async.Processor, gate *risk.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req buyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.RequestID == "" {
			req.RequestID = uuid.New().String()
		}
		id := req.identity(c.ClientIP())

		dec, err := gate.Evaluate(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "系统繁忙，请稍后再试"})
			return
		}
		if !dec.Allowed {
			c.JSON(http.StatusForbidden, gin.H{"code": 403, "msg": dec.Reason})
			return
		}

		taskID, err := processor.Submit(c.Request.Context(), id, req.Quantity, req.RequestID)
		if err != nil {
			if errors.Is(err, async.ErrQueueFull) {
				c.JSON(http.StatusTooManyRequests, gin.H{"code": 429, "msg": "排队人数过多，请稍后再试"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"code": 0,
			"data": gin.H{
				"task_id":    taskID,
				"request_id": req.RequestID,
				"status":     "queued",
			},
		})
	}
}

// asyncResult 根据 task_id 查询异步下单结果。
func asyncResult(processor *async.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if taskID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "task_id 必填"})
			return
		}
		state, found, err := processor.Status(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "任务不存在或已过期"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"task_id":  state.TaskID,
				"status":   state.Status,
				"order_no": state.OrderNo,
				"reason":   state.Reason,
			},
		})
	}
}

// addBlacklist 把用户/IP/设备加入风控黑名单。
func addBlacklist(gate *risk.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID int64  `json:"user_id"`
			IP     string `json:"ip"`
			Device string `json:"device_fingerprint"`
			Reason string `json:"reason" binding:"required"`
			TTLSec int    `json:"ttl_sec" binding:"omitempty,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.UserID <= 0 && req.IP == "" && req.Device == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "至少指定 user_id/ip/device_fingerprint 之一"})
			return
		}
		ttl := time.Duration(req.TTLSec) * time.Second
		if err := gate.AddToBlacklist(c.Request.Context(), req.UserID, req.IP, req.Device, req.Reason, ttl); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "已加入黑名单"})
	}
}

// removeBlacklist 将用户/IP/设备移出黑名单。
func removeBlacklist(gate *risk.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID int64  `json:"user_id"`
			IP     string `json:"ip"`
			Device string `json:"device_fingerprint"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if err := gate.RemoveFromBlacklist(c.Request.Context(), req.UserID, req.IP, req.Device); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "已移出黑名单"})
	}
}

func parseProductID(c *gin.Context) (uint, error) {
	id64, err := strconv.ParseUint(c.Param("product_id"), 10, 32)
	if err != nil || id64 == 0 {
		return 0, errors.New("invalid product id")
	}
	return uint(id64), nil
}
