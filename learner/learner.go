// Package learner 实现在线学习缓冲：有界样本队列、小批量梯度更新、
// checkpoint 环与回归回退。权重以 copy-on-write 方式发布，读方无锁。
package learner

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/onlinerec/core"
)

const (
	// DefaultBufferCapacity 是样本队列容量，满则丢弃最旧样本。
	DefaultBufferCapacity = 1000

	// DefaultBatchSize 是单次更新消费的样本数。
	DefaultBatchSize = 32

	// DefaultCheckpointDepth 是权重 checkpoint 环的深度。
	DefaultCheckpointDepth = 10

	// DefaultLearningRate 是逻辑回归 SGD 步长。
	DefaultLearningRate = 0.05

	// DefaultRegressionRatio 是回退阈值：更新后留出集损失超过更新前的该倍数即回退。
	DefaultRegressionRatio = 1.1

	heldoutCapacity = 128
	heldoutSampling = 4 // 每 N 条样本留 1 条进留出集
	minHeldout      = 8
)

// Example 是一条训练样本：物品打分输入向量 + 隐式标签。
type Example struct {
	UserID    string
	ItemID    string
	Features  []float64
	Label     float64 // 1 正反馈 / 0 负反馈
	Timestamp time.Time
}

// Learner 维护单个模型变体的在线更新。
//
// 并发模型：
//   - Enqueue 可任意并发，队列锁粒度极小
//   - 同一时刻至多一个更新在途（TryLock），并发触发直接跳过
//   - 更新在权重克隆上进行，完成后整体原子发布
type Learner struct {
	variant *core.ModelVariant
	logger  zerolog.Logger

	learningRate    float64
	regressionRatio float64
	batchSize       int
	capacity        int

	mu       sync.Mutex
	buffer   []*Example
	heldout  []*Example
	sampleCt int

	// full 在队列到达容量时收到一次信号，由 Run 消费触发即时更新
	full chan struct{}

	ckptMu      sync.Mutex
	checkpoints []*core.Weights // 环形，最旧在前
	ckptDepth   int

	updateMu sync.Mutex

	dropped   int64
	updates   int64
	rollbacks int64
}

// LearnerOption 是 Learner 的构造选项。
type LearnerOption func(*Learner)

// WithLearningRate 设置 SGD 步长。
func WithLearningRate(lr float64) LearnerOption {
	return func(l *Learner) { l.learningRate = lr }
}

// WithRegressionRatio 设置回退阈值倍数。
func WithRegressionRatio(ratio float64) LearnerOption {
	return func(l *Learner) { l.regressionRatio = ratio }
}

// WithBatchSize 设置批大小。
func WithBatchSize(n int) LearnerOption {
	return func(l *Learner) { l.batchSize = n }
}

// WithCapacity 设置样本队列容量。
func WithCapacity(n int) LearnerOption {
	return func(l *Learner) { l.capacity = n }
}

// WithLearnerLogger 指定日志器。
func WithLearnerLogger(logger zerolog.Logger) LearnerOption {
	return func(l *Learner) { l.logger = logger }
}

// NewLearner 为指定变体创建在线学习器。
func NewLearner(variant *core.ModelVariant, opts ...LearnerOption) *Learner {
	l := &Learner{
		variant:         variant,
		logger:          zerolog.Nop(),
		learningRate:    DefaultLearningRate,
		regressionRatio: DefaultRegressionRatio,
		batchSize:       DefaultBatchSize,
		capacity:        DefaultBufferCapacity,
		ckptDepth:       DefaultCheckpointDepth,
		full:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue 入队一条样本，永不阻塞调用方。
// 队列到达容量时向 Run 发一次更新信号；极端情况下（更新来不及消费）仍丢弃最旧样本。
func (l *Learner) Enqueue(ex *Example) {
	if ex == nil || len(ex.Features) == 0 {
		return
	}
	l.mu.Lock()

	// 每 N 条分流 1 条进留出集（不进训练队列），保证回归检测用的样本
	// 与被训练的批次不重叠
	l.sampleCt++
	if l.sampleCt%heldoutSampling == 0 {
		if len(l.heldout) >= heldoutCapacity {
			l.heldout = l.heldout[1:]
		}
		l.heldout = append(l.heldout, ex)
		l.mu.Unlock()
		return
	}

	if len(l.buffer) >= l.capacity {
		l.buffer = l.buffer[1:]
		l.dropped++
	}
	l.buffer = append(l.buffer, ex)
	atCapacity := len(l.buffer) >= l.capacity
	l.mu.Unlock()

	if atCapacity {
		select {
		case l.full <- struct{}{}:
		default:
		}
	}
}

// Len 返回当前队列长度。
func (l *Learner) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// Stats 返回累计的更新/回退/丢弃计数。
func (l *Learner) Stats() (updates, rollbacks, dropped int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates, l.rollbacks, l.dropped
}

// TryUpdate 尝试执行一轮小批量更新。
// 返回 false 表示本轮未更新：样本不足，或已有更新在途。
// force 为 true 时不等凑满一批，只要队列非空就消费（手动触发场景）。
//
// 更新流程：checkpoint 当前权重 → 克隆上做批量 SGD → 原子发布 →
// 留出集评估 → 损失回归则回退到 checkpoint。
func (l *Learner) TryUpdate(ctx context.Context, force bool) (bool, error) {
	if !l.updateMu.TryLock() {
		return false, nil
	}
	defer l.updateMu.Unlock()

	batch, heldout := l.takeBatch(force)
	if batch == nil {
		return false, nil
	}

	current := l.variant.Weights()
	l.pushCheckpoint(current)

	next := current.Clone()
	next.Version = current.Version + 1
	for _, ex := range batch {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		l.step(next, ex)
	}
	l.variant.PublishWeights(next)

	l.mu.Lock()
	l.updates++
	l.mu.Unlock()

	if len(heldout) >= minHeldout {
		before := logLoss(current, heldout)
		after := logLoss(next, heldout)
		if after > before*l.regressionRatio {
			l.variant.PublishWeights(current.Clone())
			l.mu.Lock()
			l.rollbacks++
			l.mu.Unlock()
			l.logger.Warn().
				Str("variant", l.variant.ID).
				Int64("version", next.Version).
				Float64("loss_before", before).
				Float64("loss_after", after).
				Msg("update regressed held-out loss, rolled back")
			return true, nil
		}
	}

	l.logger.Debug().
		Str("variant", l.variant.ID).
		Int64("version", next.Version).
		Int("batch", len(batch)).
		Msg("weights updated")
	return true, nil
}

// Rollback 手动回退 steps 个 checkpoint（至少 1）。
func (l *Learner) Rollback(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	l.ckptMu.Lock()
	defer l.ckptMu.Unlock()

	if len(l.checkpoints) == 0 {
		return core.NewDomainError(core.ModuleLearner, core.ErrorCodeNotFound, "learner: no checkpoint to roll back to")
	}
	if steps > len(l.checkpoints) {
		steps = len(l.checkpoints)
	}
	target := l.checkpoints[len(l.checkpoints)-steps]
	l.checkpoints = l.checkpoints[:len(l.checkpoints)-steps]
	l.variant.PublishWeights(target.Clone())

	l.mu.Lock()
	l.rollbacks++
	l.mu.Unlock()
	l.logger.Info().Str("variant", l.variant.ID).Int64("version", target.Version).Msg("manual rollback")
	return nil
}

// Run 驱动更新直到 ctx 结束：固定间隔轮询，队列满信号立即触发。
func (l *Learner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.TryUpdate(ctx, false); err != nil {
				return
			}
		case <-l.full:
			if _, err := l.TryUpdate(ctx, false); err != nil {
				return
			}
		}
	}
}

// takeBatch 弹出一个批次与留出集快照。
// 队列为空，或非 force 且不足一批时返回 nil。
func (l *Learner) takeBatch(force bool) ([]*Example, []*Example) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buffer) == 0 {
		return nil, nil
	}
	if len(l.buffer) < l.batchSize && !force {
		return nil, nil
	}
	n := l.batchSize
	if len(l.buffer) < n {
		n = len(l.buffer)
	}
	batch := l.buffer[:n]
	l.buffer = append([]*Example(nil), l.buffer[n:]...)
	heldout := append([]*Example(nil), l.heldout...)
	return batch, heldout
}

func (l *Learner) pushCheckpoint(w *core.Weights) {
	l.ckptMu.Lock()
	defer l.ckptMu.Unlock()
	if len(l.checkpoints) >= l.ckptDepth {
		l.checkpoints = l.checkpoints[1:]
	}
	l.checkpoints = append(l.checkpoints, w.Clone())
}

// step 对单条样本做一步逻辑回归 SGD。
func (l *Learner) step(w *core.Weights, ex *Example) {
	pred := sigmoid(dot(w.W, ex.Features) + w.Bias)
	grad := pred - ex.Label
	n := len(w.W)
	if len(ex.Features) < n {
		n = len(ex.Features)
	}
	for i := 0; i < n; i++ {
		w.W[i] -= l.learningRate * grad * ex.Features[i]
	}
	w.Bias -= l.learningRate * grad
}

// logLoss 计算留出集上的平均对数损失。
func logLoss(w *core.Weights, examples []*Example) float64 {
	const eps = 1e-12
	var total float64
	for _, ex := range examples {
		p := sigmoid(dot(w.W, ex.Features) + w.Bias)
		if p < eps {
			p = eps
		}
		if p > 1-eps {
			p = 1 - eps
		}
		total += -(ex.Label*math.Log(p) + (1-ex.Label)*math.Log(1-p))
	}
	return total / float64(len(examples))
}

func dot(w, x []float64) float64 {
	n := len(w)
	if len(x) < n {
		n = len(x)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w[i] * x[i]
	}
	return sum
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
