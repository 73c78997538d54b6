// Package experiment 实现在线实验引擎：实验生命周期、流量分配策略、
// 指标计数与双比例显著性检验。
package experiment

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rushteam/onlinerec/core"
)

// Status 是实验状态，单向流转：draft → running → stopped。
type Status string

const (
	StatusDraft   Status = "draft"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Strategy 是流量分配策略。
type Strategy string

const (
	// StrategyFixed 按固定比例切分：hash(user) mod 100 落入累计区间
	StrategyFixed Strategy = "fixed"

	// StrategyEpsilonGreedy 以 ε 概率探索，其余流量给当前最优
	StrategyEpsilonGreedy Strategy = "epsilon_greedy"

	// StrategyThompson 按 Beta 后验采样分配（默认策略）
	StrategyThompson Strategy = "thompson"
)

// DefaultEpsilon 是 epsilon-greedy 的默认探索率。
const DefaultEpsilon = 0.1

// VariantStats 是单个变体的累计指标，计数全程原子。
type VariantStats struct {
	impressions atomic.Int64
	conversions atomic.Int64

	latencyMicros atomic.Int64
	latencyCount  atomic.Int64
}

// Impressions 返回曝光数。
func (s *VariantStats) Impressions() int64 { return s.impressions.Load() }

// Conversions 返回转化数。
func (s *VariantStats) Conversions() int64 { return s.conversions.Load() }

// ObserveLatency 累积一次服务耗时。
func (s *VariantStats) ObserveLatency(d time.Duration) {
	s.latencyMicros.Add(d.Microseconds())
	s.latencyCount.Add(1)
}

// AvgLatency 返回平均服务耗时；无观测时为 0。
func (s *VariantStats) AvgLatency() time.Duration {
	n := s.latencyCount.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(s.latencyMicros.Load()/n) * time.Microsecond
}

// Rate 返回转化率；无曝光时为 0。
func (s *VariantStats) Rate() float64 {
	imp := s.impressions.Load()
	if imp == 0 {
		return 0
	}
	return float64(s.conversions.Load()) / float64(imp)
}

// Experiment 是一个模型变体实验。
//
// 并发模型：
//   - 身份字段创建后不可变，状态流转持锁
//   - 指标计数原子累加，不与分配路径互斥
//   - 粘性分配：同一 (user, epoch) 的分配结果记忆化，保证会话内稳定
type Experiment struct {
	ID       string   `json:"experiment_id"`
	Name     string   `json:"name"`
	Strategy Strategy `json:"strategy"`
	Epsilon  float64  `json:"epsilon"`

	// Split 是 fixed 策略的流量切分（variantID → 百分比，总和 100）
	Split map[string]int `json:"split,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`

	mu       sync.RWMutex
	status   Status
	epoch    int64
	variants []*core.ModelVariant
	stats    map[string]*VariantStats

	assignMu    sync.Mutex
	assignments map[string]string // "epoch:userID" → variantID
}

// CurrentStatus 返回当前状态。
func (e *Experiment) CurrentStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Variants 返回变体列表（创建后不可变）。
func (e *Experiment) Variants() []*core.ModelVariant {
	return e.variants
}

// Variant 按 ID 查找变体。
func (e *Experiment) Variant(id string) (*core.ModelVariant, bool) {
	for _, v := range e.variants {
		if v.ID == id {
			return v, true
		}
	}
	return nil, false
}

// VariantStats 返回变体的指标计数器。
func (e *Experiment) VariantStats(id string) (*VariantStats, bool) {
	s, ok := e.stats[id]
	return s, ok
}
