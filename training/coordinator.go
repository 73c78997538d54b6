package training

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/drift"
)

const (
	// DefaultVolumeThreshold 是触发再训练的新增事件量阈值。
	DefaultVolumeThreshold = 10000

	// DefaultScheduleInterval 是计划再训练的周期。
	DefaultScheduleInterval = 7 * 24 * time.Hour

	// DefaultJobTimeout 是单次训练调用的超时。
	DefaultJobTimeout = 10 * time.Minute

	maxJobAttempts = 3
	jobHistory     = 20
)

// Sampler 提供触发时刻的分布快照（由 feature.Store 实现）。
type Sampler interface {
	AggregateSnapshot(ctx context.Context, limit int) (*core.AggregateSnapshot, error)
}

// HandoffFunc 在训练成功后接收产物（发布新嵌入表/权重到服务侧）。
type HandoffFunc func(result *TrainResult)

// Coordinator 归集四类再训练触发条件并保证同一时刻至多一个任务在途。
//
// 触发条件：
//   - 漂移检测 critical（HandleDriftReport）
//   - 周期计划（Run 内部定时器）
//   - 新增事件量阈值（ObserveEvents）
//   - 人工触发（TriggerRetrain(ReasonManual)）
type Coordinator struct {
	client   Client
	sampler  Sampler
	detector *drift.Detector
	handoff  HandoffFunc
	logger   zerolog.Logger

	volumeThreshold  int64
	scheduleInterval time.Duration
	jobTimeout       time.Duration
	backoffUnit      time.Duration

	eventCount atomic.Int64

	jobMu   sync.Mutex // 单任务在途
	histMu  sync.Mutex
	history []*Job
}

// CoordinatorOption 是 Coordinator 的构造选项。
type CoordinatorOption func(*Coordinator)

// WithVolumeThreshold 设置事件量触发阈值。
func WithVolumeThreshold(n int64) CoordinatorOption {
	return func(c *Coordinator) { c.volumeThreshold = n }
}

// WithScheduleInterval 设置计划触发周期。
func WithScheduleInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.scheduleInterval = d }
}

// WithJobTimeout 设置单次训练调用超时。
func WithJobTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.jobTimeout = d }
}

// WithDetector 挂接漂移检测器：训练成功后自动重置参考基线。
func WithDetector(d *drift.Detector) CoordinatorOption {
	return func(c *Coordinator) { c.detector = d }
}

// WithCoordinatorLogger 指定日志器。
func WithCoordinatorLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator 创建再训练协调器。
func NewCoordinator(client Client, sampler Sampler, handoff HandoffFunc, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		client:           client,
		sampler:          sampler,
		handoff:          handoff,
		logger:           zerolog.Nop(),
		volumeThreshold:  DefaultVolumeThreshold,
		scheduleInterval: DefaultScheduleInterval,
		jobTimeout:       DefaultJobTimeout,
		backoffUnit:      time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ObserveEvents 累计新增事件量；达到阈值时触发一次 volume 再训练。
func (c *Coordinator) ObserveEvents(ctx context.Context, n int64) {
	if c.eventCount.Add(n) < c.volumeThreshold {
		return
	}
	c.eventCount.Store(0)
	if _, err := c.TriggerRetrain(ctx, ReasonVolume); err != nil {
		c.logger.Warn().Err(err).Msg("volume-triggered retrain not started")
	}
}

// HandleDriftReport 消化一份漂移报告，critical 触发再训练。
func (c *Coordinator) HandleDriftReport(ctx context.Context, report *drift.Report) {
	if report == nil || report.Level != drift.LevelCritical {
		return
	}
	if _, err := c.TriggerRetrain(ctx, ReasonDrift); err != nil {
		c.logger.Warn().Err(err).Msg("drift-triggered retrain not started")
	}
}

// TriggerRetrain 派发一次再训练任务并立即返回 running 状态的任务句柄，
// 训练在后台协程执行，绝不阻塞触发方（事件摄入路径可直接调用）。
// 已有任务在途时返回 UNAVAILABLE，调用方可稍后重试。
func (c *Coordinator) TriggerRetrain(ctx context.Context, reason Reason) (*Job, error) {
	if !c.jobMu.TryLock() {
		return nil, core.NewDomainError(core.ModuleTraining, core.ErrorCodeUnavailable, "training: a job is already in flight")
	}

	job := newJob(reason)
	c.remember(job)
	c.logger.Info().Str("job", job.ID).Str("reason", string(reason)).Msg("retrain job started")
	go c.runJob(job)
	return job, nil
}

// runJob 执行整个训练任务并在结束时释放在途锁。
// 任务生命周期与触发方请求解耦，只受每次调用的 jobTimeout 约束。
func (c *Coordinator) runJob(job *Job) {
	defer c.jobMu.Unlock()
	ctx := context.Background()

	snap, err := c.sampler.AggregateSnapshot(ctx, drift.DefaultSampleLimit)
	if err != nil {
		c.logger.Warn().Err(err).Str("job", job.ID).Msg("snapshot failed, training without one")
		snap = nil
	}

	req := &TrainRequest{JobID: job.ID, Reason: job.Reason, Snapshot: snap}
	var result *TrainResult
	for attempt := 1; attempt <= maxJobAttempts; attempt++ {
		job.setAttempts(attempt)
		callCtx, cancel := context.WithTimeout(ctx, c.jobTimeout)
		result, err = c.client.Train(callCtx, req)
		cancel()
		if err == nil {
			break
		}
		c.logger.Warn().Err(err).Str("job", job.ID).Int("attempt", attempt).Msg("train call failed")
		if attempt < maxJobAttempts {
			time.Sleep(time.Duration(attempt) * c.backoffUnit)
		}
	}

	if err != nil {
		job.finish(JobFailed, err.Error())
		c.logger.Error().Err(err).Str("job", job.ID).Msg("retrain job failed")
		return
	}

	if c.handoff != nil {
		c.handoff(result)
	}
	if c.detector != nil {
		if err := c.detector.Rebaseline(ctx); err != nil {
			c.logger.Warn().Err(err).Str("job", job.ID).Msg("rebaseline after retrain failed")
		}
	}
	job.finish(JobSucceeded, "")
	c.logger.Info().Str("job", job.ID).Str("embedding_ref", result.EmbeddingRef).Msg("retrain job succeeded")
}

// Run 驱动周期计划触发，直到 ctx 结束。
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.scheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.TriggerRetrain(ctx, ReasonSchedule); err != nil {
				c.logger.Warn().Err(err).Msg("scheduled retrain not started")
			}
		}
	}
}

// Jobs 返回最近的任务记录（从旧到新）。
func (c *Coordinator) Jobs() []*Job {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	return append([]*Job(nil), c.history...)
}

func (c *Coordinator) remember(job *Job) {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	if len(c.history) >= jobHistory {
		c.history = c.history[1:]
	}
	c.history = append(c.history, job)
}
