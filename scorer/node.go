package scorer

import (
	"context"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/pipeline"
)

// CandidateNode 把 CandidateProvider 接入 pipeline 作为候选阶段。
// 忽略上游 items，输出候选集。
type CandidateNode struct {
	Provider CandidateProvider
}

func (n *CandidateNode) Name() string {
	return "candidates.provider"
}

func (n *CandidateNode) Kind() pipeline.Kind {
	return pipeline.KindCandidates
}

func (n *CandidateNode) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	_ []*core.Item,
) ([]*core.Item, error) {
	return n.Provider.Candidates(ctx, rctx)
}

// VariantResolver 根据请求上下文解析本次使用的模型变体。
type VariantResolver func(rctx *core.RecommendContext) *core.ModelVariant

// RankNode 把 Scorer 接入 pipeline 作为排序阶段。
type RankNode struct {
	Scorer  *Scorer
	Resolve VariantResolver

	// N 排序后截断条数，<=0 时不截断（交给下游 rerank.topn）
	N int
}

func (n *RankNode) Name() string {
	return "rank.variant"
}

func (n *RankNode) Kind() pipeline.Kind {
	return pipeline.KindRank
}

func (n *RankNode) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	variant := n.Resolve(rctx)
	if variant == nil {
		return nil, core.NewDomainError(core.ModuleScorer, core.ErrorCodeNotFound, "scorer: no variant resolved")
	}
	limit := n.N
	if limit <= 0 {
		// 不在此截断，交给下游 rerank.topn
		limit = len(items)
	}
	return n.Scorer.RankItems(ctx, rctx, variant, items, limit)
}
