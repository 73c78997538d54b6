// Package drift 实现特征分布漂移检测：对参考快照与当前快照做逐维
// 两样本 Kolmogorov-Smirnov 检验，按最大统计量分级。
package drift

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/rushteam/onlinerec/core"
)

// Level 是漂移等级。
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Trigger 标识一次检测的触发来源。
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerVolume   Trigger = "volume"
	TriggerManual   Trigger = "manual"
)

const (
	// DefaultWarningThreshold 是进入 warning 的 KS 统计量下界。
	DefaultWarningThreshold = 0.15

	// DefaultCriticalThreshold 是进入 critical 的 KS 统计量下界。
	DefaultCriticalThreshold = 0.3

	// DefaultMinSample 是单侧样本量下限，不足则跳过本轮检测。
	DefaultMinSample = 30

	// DefaultSampleLimit 是每轮采样的用户数上限。
	DefaultSampleLimit = 1000

	reportHistory = 50
)

// Sampler 提供当前特征分布的聚合快照（由 feature.Store 实现）。
type Sampler interface {
	AggregateSnapshot(ctx context.Context, limit int) (*core.AggregateSnapshot, error)
}

// Report 是一次漂移检测的结果。
type Report struct {
	Timestamp  time.Time `json:"timestamp"`
	Trigger    Trigger   `json:"trigger"`
	Level      Level     `json:"level"`
	MaxStat    float64   `json:"max_stat"`
	WorstDim   int       `json:"worst_dim"`
	DimStats   []float64 `json:"dim_stats"`
	SampleSize int       `json:"sample_size"`

	// DriftedDims 列出统计量超过 warning 阈值的维度下标（升序）
	DriftedDims []int `json:"drifted_dims,omitempty"`

	// Skipped 表示样本不足，本轮未做检验
	Skipped bool `json:"skipped"`
}

// Detector 持有参考快照并执行漂移检测。
//
// 参考快照语义：首次检测时自动捕获为基线；critical 触发再训练完成后，
// 调用 Rebaseline 把"新常态"设为参考。
type Detector struct {
	sampler Sampler
	logger  zerolog.Logger

	warningAt  float64
	criticalAt float64
	minSample  int
	limit      int

	mu        sync.Mutex
	reference *core.AggregateSnapshot
	reports   []*Report
}

// DetectorOption 是 Detector 的构造选项。
type DetectorOption func(*Detector)

// WithThresholds 设置 warning/critical 阈值。
func WithThresholds(warning, critical float64) DetectorOption {
	return func(d *Detector) {
		d.warningAt = warning
		d.criticalAt = critical
	}
}

// WithMinSample 设置样本量下限。
func WithMinSample(n int) DetectorOption {
	return func(d *Detector) { d.minSample = n }
}

// WithSampleLimit 设置每轮采样上限。
func WithSampleLimit(n int) DetectorOption {
	return func(d *Detector) { d.limit = n }
}

// WithDetectorLogger 指定日志器。
func WithDetectorLogger(logger zerolog.Logger) DetectorOption {
	return func(d *Detector) { d.logger = logger }
}

// NewDetector 创建漂移检测器。
func NewDetector(sampler Sampler, opts ...DetectorOption) *Detector {
	d := &Detector{
		sampler:    sampler,
		logger:     zerolog.Nop(),
		warningAt:  DefaultWarningThreshold,
		criticalAt: DefaultCriticalThreshold,
		minSample:  DefaultMinSample,
		limit:      DefaultSampleLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetReference 显式设置参考快照。
func (d *Detector) SetReference(snap *core.AggregateSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reference = snap
}

// Rebaseline 采样当前分布并设为新的参考快照。
func (d *Detector) Rebaseline(ctx context.Context) error {
	snap, err := d.sampler.AggregateSnapshot(ctx, d.limit)
	if err != nil {
		return err
	}
	d.SetReference(snap)
	d.logger.Info().Int("sample", snap.SampleSize).Msg("drift reference rebaselined")
	return nil
}

// Check 执行一轮漂移检测。
//
// 首轮（无参考快照）捕获基线并返回 normal；样本不足返回 Skipped 报告。
func (d *Detector) Check(ctx context.Context, trigger Trigger) (*Report, error) {
	snap, err := d.sampler.AggregateSnapshot(ctx, d.limit)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Timestamp:  time.Now(),
		Trigger:    trigger,
		Level:      LevelNormal,
		WorstDim:   -1,
		SampleSize: snap.SampleSize,
	}

	d.mu.Lock()
	ref := d.reference
	d.mu.Unlock()

	if ref == nil {
		if snap.SampleSize >= d.minSample {
			d.SetReference(snap)
			d.logger.Info().Int("sample", snap.SampleSize).Msg("drift baseline captured")
		} else {
			report.Skipped = true
		}
		d.remember(report)
		return report, nil
	}

	if snap.SampleSize < d.minSample || ref.SampleSize < d.minSample {
		report.Skipped = true
		d.remember(report)
		return report, nil
	}

	report.DimStats = make([]float64, len(ref.Dims))
	for i := range ref.Dims {
		if i >= len(snap.Dims) {
			break
		}
		s := ksStat(ref.Dims[i], snap.Dims[i])
		report.DimStats[i] = s
		if s >= d.warningAt {
			report.DriftedDims = append(report.DriftedDims, i)
		}
		if s > report.MaxStat {
			report.MaxStat = s
			report.WorstDim = i
		}
	}

	switch {
	case report.MaxStat >= d.criticalAt:
		report.Level = LevelCritical
	case report.MaxStat >= d.warningAt:
		report.Level = LevelWarning
	}

	d.remember(report)
	d.logger.Info().
		Str("trigger", string(trigger)).
		Str("level", string(report.Level)).
		Float64("max_stat", report.MaxStat).
		Int("worst_dim", report.WorstDim).
		Ints("drifted_dims", report.DriftedDims).
		Msg("drift check complete")
	return report, nil
}

// Reports 返回最近的检测报告（从旧到新）。
func (d *Detector) Reports() []*Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Report(nil), d.reports...)
}

func (d *Detector) remember(r *Report) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.reports) >= reportHistory {
		d.reports = d.reports[1:]
	}
	d.reports = append(d.reports, r)
}

// ksStat 计算两样本 KS 统计量。gonum 要求输入有序，这里排序副本。
func ksStat(ref, cur []float64) float64 {
	if len(ref) == 0 || len(cur) == 0 {
		return 0
	}
	a := append([]float64(nil), ref...)
	b := append([]float64(nil), cur...)
	sort.Float64s(a)
	sort.Float64s(b)
	return stat.KolmogorovSmirnov(a, nil, b, nil)
}
