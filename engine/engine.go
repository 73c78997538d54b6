// Package engine 把特征存储、打分器、在线学习、漂移检测与实验引擎
// 组装成完整的个性化服务门面。
//
// 降级优先于失败：特征后端不可用、实验分配失败、排序异常都不会让
// Recommend 返回错误，而是逐级退到兜底结果。
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/onlinerec/config"
	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/drift"
	"github.com/rushteam/onlinerec/experiment"
	"github.com/rushteam/onlinerec/feature"
	"github.com/rushteam/onlinerec/filter"
	"github.com/rushteam/onlinerec/learner"
	"github.com/rushteam/onlinerec/pipeline"
	"github.com/rushteam/onlinerec/rerank"
	"github.com/rushteam/onlinerec/scorer"
	"github.com/rushteam/onlinerec/telemetry"
	"github.com/rushteam/onlinerec/training"
)

const (
	// DefaultLearnInterval 是在线学习更新的驱动间隔。
	DefaultLearnInterval = 5 * time.Second

	// DefaultDriftInterval 是漂移检测的驱动间隔。
	DefaultDriftInterval = time.Hour
)

// Request 是一次推荐请求。
type Request struct {
	UserID  string
	Scene   string
	N       int
	Exclude []string
	Params  map[string]any
}

// Response 是推荐结果。
type Response struct {
	UserID    string
	VariantID string
	ColdStart bool
	Degraded  bool
	Items     []*core.Item
}

// Engine 是个性化服务核心的组装根。
type Engine struct {
	features *feature.Store
	scorer   *scorer.Scorer
	champion *core.ModelVariant

	experiments  *experiment.Manager
	experimentID string

	learners map[string]*learner.Learner
	detector *drift.Detector
	coord    *training.Coordinator
	sink     telemetry.Sink
	logger   zerolog.Logger

	pipe *pipeline.Pipeline

	learnInterval time.Duration
	driftInterval time.Duration
}

// EngineOption 是 Engine 的构造选项。
type EngineOption func(*Engine)

// WithExperiment 挂接实验引擎与当前生效的实验。
func WithExperiment(m *experiment.Manager, experimentID string) EngineOption {
	return func(e *Engine) {
		e.experiments = m
		e.experimentID = experimentID
	}
}

// WithDetector 挂接漂移检测器。
func WithDetector(d *drift.Detector) EngineOption {
	return func(e *Engine) { e.detector = d }
}

// WithCoordinator 挂接再训练协调器。
func WithCoordinator(c *training.Coordinator) EngineOption {
	return func(e *Engine) { e.coord = c }
}

// WithSink 挂接观测接收端。
func WithSink(s telemetry.Sink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithEngineLogger 指定日志器。
func WithEngineLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithLearnInterval 设置在线学习驱动间隔。
func WithLearnInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.learnInterval = d }
}

// WithDriftInterval 设置漂移检测驱动间隔。
func WithDriftInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.driftInterval = d }
}

// NewEngine 组装引擎。champion 是无实验/分配失败时的默认变体。
func NewEngine(features *feature.Store, sc *scorer.Scorer, champion *core.ModelVariant, opts ...EngineOption) *Engine {
	e := &Engine{
		features:      features,
		scorer:        sc,
		champion:      champion,
		learners:      make(map[string]*learner.Learner),
		sink:          telemetry.NopSink{},
		logger:        zerolog.Nop(),
		learnInterval: DefaultLearnInterval,
		driftInterval: DefaultDriftInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.learners[champion.ID] = learner.NewLearner(champion, learner.WithLearnerLogger(e.logger))
	if e.experiments != nil && e.experimentID != "" {
		if exp, err := e.experiments.Get(e.experimentID); err == nil {
			for _, v := range exp.Variants() {
				if _, ok := e.learners[v.ID]; !ok {
					e.learners[v.ID] = learner.NewLearner(v, learner.WithLearnerLogger(e.logger))
				}
			}
		}
	}

	// 默认请求链路：候选 → 已见过滤 → 变体排序（截断在 Recommend 收尾）
	e.pipe = &pipeline.Pipeline{Nodes: []pipeline.Node{
		&scorer.CandidateNode{Provider: sc.Provider()},
		filter.NewSeenNode(features),
		&scorer.RankNode{Scorer: sc, Resolve: e.resolveVariant},
		&rerank.TopNNode{},
	}}
	return e
}

// SetPipeline 替换默认请求链路（配置驱动模式）。
func (e *Engine) SetPipeline(p *pipeline.Pipeline) {
	e.pipe = p
}

// PipelineFactory 返回包含全部已注册 Node 的工厂，并补注依赖运行时
// 组件的三个 Node：candidates.provider、filter.seen、rank.variant。
func (e *Engine) PipelineFactory() *pipeline.NodeFactory {
	f := config.DefaultFactory()
	f.Register("candidates.provider", func(_ map[string]interface{}) (pipeline.Node, error) {
		return &scorer.CandidateNode{Provider: e.scorer.Provider()}, nil
	})
	f.Register("filter.seen", func(_ map[string]interface{}) (pipeline.Node, error) {
		return filter.NewSeenNode(e.features), nil
	})
	f.Register("rank.variant", func(_ map[string]interface{}) (pipeline.Node, error) {
		return &scorer.RankNode{Scorer: e.scorer, Resolve: e.resolveVariant}, nil
	})
	return f
}

// LoadPipeline 从 YAML 配置加载请求链路并替换默认链路。
func (e *Engine) LoadPipeline(path string) error {
	cfg, err := pipeline.LoadFromYAML(path)
	if err != nil {
		return err
	}
	p, err := cfg.BuildPipeline(e.PipelineFactory())
	if err != nil {
		return err
	}
	e.pipe = p
	return nil
}

// resolveVariant 把请求上下文的 VariantID 解析为变体，缺省回退 champion。
func (e *Engine) resolveVariant(rctx *core.RecommendContext) *core.ModelVariant {
	if rctx.VariantID != "" && e.experiments != nil && e.experimentID != "" {
		if exp, err := e.experiments.Get(e.experimentID); err == nil {
			if v, ok := exp.Variant(rctx.VariantID); ok {
				return v
			}
		}
	}
	return e.champion
}

// HandleEvent 接入一条交互事件：特征状态变更 → 训练样本入队 → 触发量累计。
func (e *Engine) HandleEvent(ctx context.Context, ev *core.InteractionEvent) error {
	applied, err := e.features.RecordInteraction(ctx, ev)
	if err != nil {
		return err
	}
	e.sink.EventIngested(string(ev.Type), !applied)
	if !applied {
		return nil
	}

	label := 0.0
	if ev.IsPositive() {
		label = 1.0
	}
	ex := &learner.Example{
		UserID:    ev.UserID,
		ItemID:    ev.ItemID,
		Features:  e.scorer.ItemVector(ev.ItemID),
		Label:     label,
		Timestamp: ev.Timestamp,
	}
	for _, l := range e.learners {
		l.Enqueue(ex)
	}

	if e.coord != nil {
		e.coord.ObserveEvents(ctx, 1)
	}
	return nil
}

// Recommend 产出推荐列表。除入参非法外不返回错误：任何内部故障都
// 降级到兜底结果并在 Response.Degraded 标记。
func (e *Engine) Recommend(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.UserID == "" {
		return nil, core.NewDomainError(core.ModuleScorer, core.ErrorCodeInvalidInput, "engine: user_id required")
	}
	start := time.Now()

	feats, err := e.features.Features(ctx, req.UserID)
	if err != nil {
		// Features 仅在入参非法时报错，这里兜底成冷启动
		e.logger.Warn().Err(err).Str("user", req.UserID).Msg("feature lookup failed, treating as cold start")
		feats = &core.Features{UserID: req.UserID, ColdStart: true}
	}

	rctx := &core.RecommendContext{
		UserID:       req.UserID,
		Scene:        req.Scene,
		Features:     feats,
		ExcludeItems: req.Exclude,
		Params:       req.Params,
	}

	variant := e.assignVariant(req.UserID, rctx)
	resp := &Response{
		UserID:    req.UserID,
		VariantID: variant.ID,
		ColdStart: rctx.ColdStart(),
	}

	n := req.N
	if n <= 0 {
		n = scorer.DefaultTopN
	}

	items, err := e.rank(ctx, rctx, variant, n)
	if err != nil {
		e.logger.Error().Err(err).Str("user", req.UserID).Msg("ranking failed, serving popularity fallback")
		resp.Degraded = true
		items, err = e.fallbackRank(ctx, rctx, n)
		if err != nil {
			return nil, err
		}
	}
	if len(items) > n {
		items = items[:n]
	}
	resp.Items = items

	elapsed := time.Since(start)
	if e.experiments != nil && e.experimentID != "" {
		_ = e.experiments.RecordLatency(e.experimentID, variant.ID, elapsed)
	}
	e.sink.RecommendServed(req.Scene, resp.ColdStart, elapsed)
	return resp, nil
}

// rank 走配置的 pipeline：候选 → 过滤 → 排序 → 重排。
func (e *Engine) rank(ctx context.Context, rctx *core.RecommendContext, variant *core.ModelVariant, n int) ([]*core.Item, error) {
	rctx.VariantID = variant.ID
	return e.pipe.Run(ctx, rctx, nil)
}

// fallbackRank 是最后的兜底：按冷启动路径出热门结果。
func (e *Engine) fallbackRank(ctx context.Context, rctx *core.RecommendContext, n int) ([]*core.Item, error) {
	cold := *rctx
	cold.Features = &core.Features{UserID: rctx.UserID, ColdStart: true}
	return e.scorer.Rank(ctx, &cold, e.champion, n)
}

// assignVariant 为请求分配模型变体；分配失败回退 champion。
func (e *Engine) assignVariant(userID string, rctx *core.RecommendContext) *core.ModelVariant {
	if e.experiments == nil || e.experimentID == "" {
		return e.champion
	}
	v, err := e.experiments.Assign(e.experimentID, userID)
	if err != nil {
		e.logger.Warn().Err(err).Str("user", userID).Msg("variant assignment failed, using champion")
		return e.champion
	}
	if err := e.experiments.RecordImpression(e.experimentID, v.ID); err != nil {
		e.logger.Warn().Err(err).Msg("impression record failed")
	}
	e.sink.ExperimentAssigned(e.experimentID, v.ID)
	return v
}

// RecordOutcome 回灌一次推荐的结果：实验计数 + 对应变体的训练样本。
func (e *Engine) RecordOutcome(ctx context.Context, userID, itemID, variantID string, converted bool) error {
	if e.experiments != nil && e.experimentID != "" && converted {
		if err := e.experiments.RecordConversion(e.experimentID, variantID); err != nil {
			return err
		}
	}

	label := 0.0
	if converted {
		label = 1.0
	}
	if l, ok := e.learners[variantID]; ok {
		l.Enqueue(&learner.Example{
			UserID:    userID,
			ItemID:    itemID,
			Features:  e.scorer.ItemVector(itemID),
			Label:     label,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// CheckDrift 手动触发一轮漂移检测并联动再训练。
func (e *Engine) CheckDrift(ctx context.Context, trigger drift.Trigger) (*drift.Report, error) {
	if e.detector == nil {
		return nil, core.NewDomainError(core.ModuleDrift, core.ErrorCodeNotSupported, "engine: drift detector not configured")
	}
	report, err := e.detector.Check(ctx, trigger)
	if err != nil {
		return nil, err
	}
	e.sink.DriftChecked(string(report.Level))
	if e.coord != nil {
		e.coord.HandleDriftReport(ctx, report)
	}
	return report, nil
}

// Run 启动后台循环：在线学习更新、周期漂移检测、计划再训练。
// 阻塞直到 ctx 结束。
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, l := range e.learners {
		l := l
		g.Go(func() error {
			l.Run(ctx, e.learnInterval)
			return nil
		})
	}

	if e.detector != nil {
		g.Go(func() error {
			ticker := time.NewTicker(e.driftInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if _, err := e.CheckDrift(ctx, drift.TriggerSchedule); err != nil {
						e.logger.Warn().Err(err).Msg("scheduled drift check failed")
					}
				}
			}
		})
	}

	if e.coord != nil {
		g.Go(func() error {
			e.coord.Run(ctx)
			return nil
		})
	}

	return g.Wait()
}

// Learner 返回指定变体的在线学习器。
func (e *Engine) Learner(variantID string) (*learner.Learner, bool) {
	l, ok := e.learners[variantID]
	return l, ok
}

// Close 释放资源（刷掉特征回写队列并关闭后端）。
func (e *Engine) Close() error {
	return e.features.Close()
}
