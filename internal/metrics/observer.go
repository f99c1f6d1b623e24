package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Observer 是注入式指标观察者。引擎内部不落任何全局注册表，
// 由组装方决定挂 Prometheus 还是空实现。
type Observer interface {
	PurchaseOutcome(outcome string)
	RiskScore(score int)
	StockCompensated()
	AdmissionPromoted(n int)
	TaskTransition(status string)
	MessageDeadLettered(topic string)
}

// Nop 丢弃所有指标，测试与最小部署使用。
type Nop struct{}

func (Nop) PurchaseOutcome(string)      {}
func (Nop) RiskScore(int)               {}
func (Nop) StockCompensated()           {}
func (Nop) AdmissionPromoted(int)       {}
func (Nop) TaskTransition(string)       {}
func (Nop) MessageDeadLettered(string)  {}

// Prom 基于 Prometheus 的观察者实现。
type Prom struct {
	purchases     *prometheus.CounterVec
	riskScore     prometheus.Histogram
	compensations prometheus.Counter
	promotions    prometheus.Counter
	tasks         *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
}

// NewProm 创建并向 reg 注册全部指标。
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_purchase_total",
			Help: "Purchase pipeline outcomes.",
		}, []string{"outcome"}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seckill_risk_score",
			Help:    "Risk score distribution for evaluated requests.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_stock_compensations_total",
			Help: "Stock increments issued to undo reserved stock.",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_admission_promotions_total",
			Help: "Queued users promoted into the processing set.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_async_task_total",
			Help: "Async task status transitions.",
		}, []string{"status"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_dead_letter_total",
			Help: "Messages routed to the dead-letter topic.",
		}, []string{"topic"}),
	}
	reg.MustRegister(p.purchases, p.riskScore, p.compensations, p.promotions, p.tasks, p.deadLetters)
	return p
}

func (p *Prom) PurchaseOutcome(outcome string) { p.purchases.WithLabelValues(outcome).Inc() }
func (p *Prom) RiskScore(score int)            { p.riskScore.Observe(float64(score)) }
func (p *Prom) StockCompensated()              { p.compensations.Inc() }
func (p *Prom) AdmissionPromoted(n int)        { p.promotions.Add(float64(n)) }
func (p *Prom) TaskTransition(status string)   { p.tasks.WithLabelValues(status).Inc() }
func (p *Prom) MessageDeadLettered(topic string) {
	p.deadLetters.WithLabelValues(topic).Inc()
}
