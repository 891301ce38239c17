package metrics

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "teeworker"

	SubsystemPool     = "top_pool"
	SubsystemAuthor   = "author"
	SubsystemIndirect = "indirect"
	SubsystemDirect   = "direct"
	SubsystemRpc      = "rpc"
	SubsystemTask     = "task"

	LabelShard  = "shard"
	LabelMode   = "mode"
	LabelKind   = "kind"
	LabelCall   = "call"
	LabelResult = "result"
	LabelMethod = "method"
)

// pool
var (
	TopPoolSizeGauge = prom.NewGaugeVec(
		prom.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemPool,
			Name:      "size",
			Help:      "Number of trusted operations in the pool.",
		},
		[]string{LabelShard})
)

// author
var (
	TopSubmittedCounter = prom.NewCounterVec(
		prom.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAuthor,
			Name:      "submitted_total",
			Help:      "Total number of submitted trusted operations.",
		},
		[]string{LabelShard, LabelMode})
	TopRejectedCounter = prom.NewCounterVec(
		prom.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemAuthor,
			Name:      "rejected_total",
			Help:      "Total number of rejected trusted operations.",
		},
		[]string{LabelKind})
)

// indirect & direct calls
var (
	IndirectCallCounter = prom.NewCounterVec(
		prom.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemIndirect,
			Name:      "calls_total",
			Help:      "Total number of dispatched indirect calls.",
		},
		[]string{LabelCall, LabelResult})
	DirectCallCounter = prom.NewCounterVec(
		prom.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemDirect,
			Name:      "calls_total",
			Help:      "Total number of handled direct calls.",
		},
		[]string{LabelMethod, LabelResult})
	TaskHistogram = prom.NewHistogramVec(
		prom.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemTask,
			Name:      "cost_seconds",
			Help:      "Histogram of direct call task latency.",
			Buckets:   prom.DefBuckets,
		},
		[]string{LabelMethod})
)

// rpc
var (
	RpcCallCounter = prom.NewCounterVec(
		prom.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemRpc,
			Name:      "call_total",
			Help:      "Total number of rpc calls.",
		},
		[]string{LabelMethod})
	RpcCostHistogram = prom.NewHistogramVec(
		prom.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemRpc,
			Name:      "cost_seconds",
			Help:      "Histogram of rpc call latency.",
			Buckets:   prom.DefBuckets,
		},
		[]string{LabelMethod})
)

var registerOnce sync.Once

// RegisterMetrics 注册到默认registry，重复调用只生效一次
func RegisterMetrics() {
	registerOnce.Do(func() {
		prom.MustRegister(TopPoolSizeGauge)
		prom.MustRegister(TopSubmittedCounter)
		prom.MustRegister(TopRejectedCounter)
		prom.MustRegister(IndirectCallCounter)
		prom.MustRegister(DirectCallCounter)
		prom.MustRegister(TaskHistogram)
		prom.MustRegister(RpcCallCounter)
		prom.MustRegister(RpcCostHistogram)
	})
}
