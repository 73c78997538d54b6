package experiment

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rushteam/onlinerec/core"
)

// DefaultMinSamplePerArm 是显著性判定要求的单臂最小曝光量。
const DefaultMinSamplePerArm = 100

// DefaultSignificance 是显著性判定的 p 值阈值。
const DefaultSignificance = 0.05

// Manager 管理全部实验的生命周期与流量分配。
type Manager struct {
	logger    zerolog.Logger
	minSample int64
	alpha     float64

	mu          sync.RWMutex
	experiments map[string]*Experiment

	randMu sync.Mutex
	rng    *rand.Rand
}

// ManagerOption 是 Manager 的构造选项。
type ManagerOption func(*Manager)

// WithMinSample 设置显著性判定的单臂最小样本量。
func WithMinSample(n int64) ManagerOption {
	return func(m *Manager) { m.minSample = n }
}

// WithSignificance 设置显著性判定的 p 值阈值（0 < alpha < 1）。
func WithSignificance(alpha float64) ManagerOption {
	return func(m *Manager) {
		if alpha > 0 && alpha < 1 {
			m.alpha = alpha
		}
	}
}

// WithManagerLogger 指定日志器。
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithManagerRandSource 指定随机源（测试用）。
func WithManagerRandSource(src rand.Source) ManagerOption {
	return func(m *Manager) { m.rng = rand.New(src) }
}

// NewManager 创建实验管理器。
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:      zerolog.Nop(),
		minSample:   DefaultMinSamplePerArm,
		alpha:       DefaultSignificance,
		experiments: make(map[string]*Experiment),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m
}

// Create 创建 draft 状态的实验。
//
// 校验规则：至少两个变体、变体 ID 唯一；fixed 策略的切分必须覆盖
// 全部变体且总和为 100。
func (m *Manager) Create(name string, strategy Strategy, variants []*core.ModelVariant, split map[string]int) (*Experiment, error) {
	if len(variants) < 2 {
		return nil, invalid("experiment needs at least two variants")
	}
	seen := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		if v == nil || v.ID == "" {
			return nil, invalid("variant id required")
		}
		if _, dup := seen[v.ID]; dup {
			return nil, invalid(fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = struct{}{}
	}

	if strategy == "" {
		strategy = StrategyThompson
	}
	switch strategy {
	case StrategyFixed:
		if len(split) != len(variants) {
			return nil, invalid("fixed split must cover every variant")
		}
		total := 0
		for _, v := range variants {
			pct, ok := split[v.ID]
			if !ok {
				return nil, invalid(fmt.Sprintf("fixed split missing variant %q", v.ID))
			}
			if pct < 0 {
				return nil, invalid("split percentage must be non-negative")
			}
			total += pct
		}
		if total != 100 {
			return nil, invalid(fmt.Sprintf("fixed split must sum to 100, got %d", total))
		}
	case StrategyEpsilonGreedy, StrategyThompson:
	default:
		return nil, invalid(fmt.Sprintf("unknown strategy %q", strategy))
	}

	exp := &Experiment{
		ID:          uuid.NewString(),
		Name:        name,
		Strategy:    strategy,
		Epsilon:     DefaultEpsilon,
		Split:       split,
		CreatedAt:   time.Now(),
		status:      StatusDraft,
		variants:    variants,
		stats:       make(map[string]*VariantStats, len(variants)),
		assignments: make(map[string]string),
	}
	for _, v := range variants {
		exp.stats[v.ID] = &VariantStats{}
	}

	m.mu.Lock()
	m.experiments[exp.ID] = exp
	m.mu.Unlock()
	m.logger.Info().Str("experiment", exp.ID).Str("strategy", string(strategy)).Msg("experiment created")
	return exp, nil
}

// Get 按 ID 查找实验。
func (m *Manager) Get(id string) (*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.experiments[id]
	if !ok {
		return nil, core.NewDomainError(core.ModuleExperiment, core.ErrorCodeNotFound, "experiment: not found")
	}
	return exp, nil
}

// List 返回全部实验（按创建时间）。
func (m *Manager) List() []*Experiment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Experiment, 0, len(m.experiments))
	for _, exp := range m.experiments {
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Start 启动实验：仅允许 draft → running。
func (m *Manager) Start(id string) error {
	exp, err := m.Get(id)
	if err != nil {
		return err
	}
	exp.mu.Lock()
	defer exp.mu.Unlock()
	if exp.status != StatusDraft {
		return invalid(fmt.Sprintf("cannot start experiment in status %q", exp.status))
	}
	exp.status = StatusRunning
	exp.epoch++
	exp.StartedAt = time.Now()
	m.logger.Info().Str("experiment", id).Msg("experiment started")
	return nil
}

// Stop 停止实验：仅允许 running → stopped。停止后计数冻结，结果仍可查询。
func (m *Manager) Stop(id string) error {
	exp, err := m.Get(id)
	if err != nil {
		return err
	}
	exp.mu.Lock()
	defer exp.mu.Unlock()
	if exp.status != StatusRunning {
		return invalid(fmt.Sprintf("cannot stop experiment in status %q", exp.status))
	}
	exp.status = StatusStopped
	exp.StoppedAt = time.Now()
	m.logger.Info().Str("experiment", id).Msg("experiment stopped")
	return nil
}

// Assign 为用户分配变体。同一 (user, epoch) 的分配结果粘性不变。
func (m *Manager) Assign(id, userID string) (*core.ModelVariant, error) {
	exp, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	exp.mu.RLock()
	status, epoch := exp.status, exp.epoch
	exp.mu.RUnlock()
	if status != StatusRunning {
		return nil, invalid(fmt.Sprintf("cannot assign in status %q", status))
	}

	// fixed 策略本身确定，无需记忆化
	if exp.Strategy == StrategyFixed {
		return m.assignFixed(exp, userID), nil
	}

	key := fmt.Sprintf("%d:%s", epoch, userID)
	exp.assignMu.Lock()
	defer exp.assignMu.Unlock()
	if vid, ok := exp.assignments[key]; ok {
		v, _ := exp.Variant(vid)
		return v, nil
	}

	var chosen *core.ModelVariant
	switch exp.Strategy {
	case StrategyEpsilonGreedy:
		chosen = m.assignEpsilonGreedy(exp)
	default:
		chosen = m.assignThompson(exp)
	}
	exp.assignments[key] = chosen.ID
	return chosen, nil
}

// assignFixed 按 hash(user:experiment) mod 100 落入累计切分区间。
func (m *Manager) assignFixed(exp *Experiment, userID string) *core.ModelVariant {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte(":"))
	h.Write([]byte(exp.ID))
	bucket := int(h.Sum32() % 100)

	cum := 0
	for _, v := range exp.variants {
		cum += exp.Split[v.ID]
		if bucket < cum {
			return v
		}
	}
	return exp.variants[len(exp.variants)-1]
}

// assignEpsilonGreedy 以 ε 概率均匀探索，其余流量给当前转化率最高的变体。
func (m *Manager) assignEpsilonGreedy(exp *Experiment) *core.ModelVariant {
	m.randMu.Lock()
	r := m.rng.Float64()
	pick := m.rng.Intn(len(exp.variants))
	m.randMu.Unlock()

	if r < exp.Epsilon {
		return exp.variants[pick]
	}
	best := exp.variants[0]
	bestRate := exp.stats[best.ID].Rate()
	for _, v := range exp.variants[1:] {
		if rate := exp.stats[v.ID].Rate(); rate > bestRate {
			best, bestRate = v, rate
		}
	}
	return best
}

// assignThompson 对每个变体从 Beta(conv+1, imp-conv+1) 后验采样，取样本最大者。
func (m *Manager) assignThompson(exp *Experiment) *core.ModelVariant {
	m.randMu.Lock()
	defer m.randMu.Unlock()

	var best *core.ModelVariant
	bestSample := math.Inf(-1)
	for _, v := range exp.variants {
		s := exp.stats[v.ID]
		imp, conv := s.Impressions(), s.Conversions()
		beta := distuv.Beta{
			Alpha: float64(conv) + 1,
			Beta:  float64(imp-conv) + 1,
		}
		sample := beta.Rand()
		if sample > bestSample {
			best, bestSample = v, sample
		}
	}
	return best
}

// RecordImpression 记录一次曝光。实验停止后计数冻结（静默忽略）。
func (m *Manager) RecordImpression(id, variantID string) error {
	return m.record(id, variantID, func(s *VariantStats) { s.impressions.Add(1) })
}

// RecordConversion 记录一次转化。
func (m *Manager) RecordConversion(id, variantID string) error {
	return m.record(id, variantID, func(s *VariantStats) { s.conversions.Add(1) })
}

// RecordLatency 累积一次变体服务耗时。
func (m *Manager) RecordLatency(id, variantID string, d time.Duration) error {
	return m.record(id, variantID, func(s *VariantStats) { s.ObserveLatency(d) })
}

func (m *Manager) record(id, variantID string, update func(*VariantStats)) error {
	exp, err := m.Get(id)
	if err != nil {
		return err
	}
	stats, ok := exp.stats[variantID]
	if !ok {
		return invalid(fmt.Sprintf("unknown variant %q", variantID))
	}
	if exp.CurrentStatus() != StatusRunning {
		return nil
	}
	update(stats)
	return nil
}

// VariantResult 是单个变体的结果汇总。
type VariantResult struct {
	VariantID   string        `json:"variant_id"`
	Impressions int64         `json:"impressions"`
	Conversions int64         `json:"conversions"`
	Rate        float64       `json:"rate"`
	AvgLatency  time.Duration `json:"avg_latency,omitempty"`
}

// Results 是实验结果：各变体指标 + 对照（首个变体）与最优挑战者的显著性检验。
type Results struct {
	ExperimentID string          `json:"experiment_id"`
	Status       Status          `json:"status"`
	Variants     []VariantResult `json:"variants"`

	// Verdict 取值：insufficient data / significant / not significant
	Verdict string  `json:"verdict"`
	Winner  string  `json:"winner,omitempty"`
	ZScore  float64 `json:"z_score"`
	PValue  float64 `json:"p_value"`
}

// Results 汇总实验结果，对照组（首个变体）与其余变体中转化率最高者做双比例 z 检验。
// 任一侧曝光不足 minSample 时判定为 insufficient data。
func (m *Manager) Results(id string) (*Results, error) {
	exp, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	res := &Results{
		ExperimentID: exp.ID,
		Status:       exp.CurrentStatus(),
		Variants:     make([]VariantResult, 0, len(exp.variants)),
	}
	for _, v := range exp.variants {
		s := exp.stats[v.ID]
		res.Variants = append(res.Variants, VariantResult{
			VariantID:   v.ID,
			Impressions: s.Impressions(),
			Conversions: s.Conversions(),
			Rate:        s.Rate(),
			AvgLatency:  s.AvgLatency(),
		})
	}

	control := res.Variants[0]
	challenger := res.Variants[1]
	for _, vr := range res.Variants[2:] {
		if vr.Rate > challenger.Rate {
			challenger = vr
		}
	}

	if control.Impressions < m.minSample || challenger.Impressions < m.minSample {
		res.Verdict = "insufficient data"
		return res, nil
	}

	z := twoProportionZ(control, challenger)
	res.ZScore = z
	res.PValue = 2 * (1 - distuv.UnitNormal.CDF(math.Abs(z)))
	if res.PValue < m.alpha {
		res.Verdict = "significant"
		if challenger.Rate > control.Rate {
			res.Winner = challenger.VariantID
		} else {
			res.Winner = control.VariantID
		}
	} else {
		res.Verdict = "not significant"
	}
	return res, nil
}

// twoProportionZ 计算双比例检验的 z 统计量（合并方差）。
func twoProportionZ(a, b VariantResult) float64 {
	n1, n2 := float64(a.Impressions), float64(b.Impressions)
	p1, p2 := a.Rate, b.Rate
	pooled := (float64(a.Conversions) + float64(b.Conversions)) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return 0
	}
	return (p1 - p2) / se
}

func invalid(msg string) error {
	return core.NewDomainError(core.ModuleExperiment, core.ErrorCodeInvalidInput, "experiment: "+msg)
}
