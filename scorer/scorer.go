// Package scorer 实现候选打分与排序：嵌入相似度与线性模型的加权融合，
// 冷启动用户走热门兜底并保留探索切片。
package scorer

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/pkg/utils"
)

const (
	// DefaultTopN 是未指定数量时的返回条数。
	DefaultTopN = 10

	// DefaultExploreRatio 是冷启动结果中的探索切片占比。
	DefaultExploreRatio = 0.2
)

// Scorer 对候选集打分并产出有序推荐列表。
//
// 排序稳定性：分数降序，同分按物品 ID 升序，同一输入永远产出同一顺序。
type Scorer struct {
	provider CandidateProvider
	table    EmbeddingTable

	// popular 提供冷启动兜底的热门榜单（可选，缺省时退化为 ID 序）
	popular core.KeyValueStore

	exploreRatio float64
	logger       zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// ScorerOption 是 Scorer 的构造选项。
type ScorerOption func(*Scorer)

// WithPopular 挂接热门榜单存储。
func WithPopular(kv core.KeyValueStore) ScorerOption {
	return func(s *Scorer) { s.popular = kv }
}

// WithExploreRatio 设置冷启动探索切片占比（0 关闭探索）。
func WithExploreRatio(ratio float64) ScorerOption {
	return func(s *Scorer) { s.exploreRatio = ratio }
}

// WithScorerLogger 指定日志器。
func WithScorerLogger(logger zerolog.Logger) ScorerOption {
	return func(s *Scorer) { s.logger = logger }
}

// WithRandSource 指定探索采样的随机源（测试用）。
func WithRandSource(src rand.Source) ScorerOption {
	return func(s *Scorer) { s.rng = rand.New(src) }
}

// NewScorer 创建打分器。
func NewScorer(provider CandidateProvider, table EmbeddingTable, opts ...ScorerOption) *Scorer {
	s := &Scorer{
		provider:     provider,
		table:        table,
		exploreRatio: DefaultExploreRatio,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return s
}

// Rank 产出 TopN 推荐列表。
//
// 正常路径：候选 → 排除过滤 → 变体打分 → 稳定排序 → 截断。
// 冷启动路径：热门榜单兜底 + 探索切片。
func (s *Scorer) Rank(ctx context.Context, rctx *core.RecommendContext, variant *core.ModelVariant, n int) ([]*core.Item, error) {
	if n <= 0 {
		n = DefaultTopN
	}
	candidates, err := s.provider.Candidates(ctx, rctx)
	if err != nil {
		return nil, err
	}
	return s.RankItems(ctx, rctx, variant, candidates, n)
}

// RankItems 对给定候选打分排序（pipeline 模式的入口，候选由上游节点提供）。
func (s *Scorer) RankItems(ctx context.Context, rctx *core.RecommendContext, variant *core.ModelVariant, candidates []*core.Item, n int) ([]*core.Item, error) {
	if n <= 0 {
		n = DefaultTopN
	}
	candidates = excludeItems(candidates, rctx.ExcludeItems)

	if rctx.ColdStart() {
		return s.rankColdStart(ctx, candidates, n)
	}

	weights := variant.Weights()
	for _, item := range candidates {
		emb := s.table.Embed(item.ID)
		sim := Cosine(rctx.Features.Vector, emb)
		lin := sigmoid(dot(weights.W, emb) + weights.Bias)
		item.Score = variant.SimilarityWeight*sim + variant.LinearWeight*lin
		item.Features["similarity"] = sim
		item.Features["linear"] = lin
		item.PutLabel("variant", utils.Label{Value: variant.ID, Source: "rank"})
	}

	sortStable(candidates)
	return truncate(candidates, n), nil
}

// Provider 返回候选源（供 pipeline 的候选节点复用）。
func (s *Scorer) Provider() CandidateProvider {
	return s.provider
}

// ItemVector 返回物品的打分输入向量，learner 用它构造训练样本。
func (s *Scorer) ItemVector(itemID string) core.FeatureVector {
	return s.table.Embed(itemID)
}

// rankColdStart 无历史用户的兜底：热门在前，尾部留探索切片给长尾候选。
func (s *Scorer) rankColdStart(ctx context.Context, candidates []*core.Item, n int) ([]*core.Item, error) {
	byID := make(map[string]*core.Item, len(candidates))
	for _, item := range candidates {
		byID[item.ID] = item
	}

	exploreN := int(float64(n) * s.exploreRatio)
	headN := n - exploreN

	var ranked []*core.Item
	if s.popular != nil {
		top, err := s.popular.ZRange(ctx, popularityKey, 0, int64(headN)-1)
		if err != nil && !core.IsStoreNotFound(err) {
			s.logger.Warn().Err(err).Msg("popularity lookup failed, falling back to catalog order")
		}
		for _, id := range top {
			item, ok := byID[id]
			if !ok {
				continue
			}
			item.PutLabel("source", utils.Label{Value: "popular", Source: "rank"})
			ranked = append(ranked, item)
			delete(byID, id)
		}
	}

	// 热门不足时按 ID 序补齐头部，保证确定性
	rest := make([]*core.Item, 0, len(byID))
	for _, item := range byID {
		rest = append(rest, item)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	for len(ranked) < headN && len(rest) > 0 {
		ranked = append(ranked, rest[0])
		rest = rest[1:]
	}

	// 探索切片：从剩余候选随机抽取
	s.mu.Lock()
	s.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	s.mu.Unlock()
	for i := 0; i < exploreN && i < len(rest); i++ {
		rest[i].PutLabel("source", utils.Label{Value: "explore", Source: "rank"})
		ranked = append(ranked, rest[i])
	}

	for i, item := range ranked {
		item.Rank = i + 1
		item.PutLabel("cold_start", utils.Label{Value: "true", Source: "rank"})
	}
	return ranked, nil
}

// popularityKey 与 feature 包的热度累积使用同一个 key。
const popularityKey = "popular:items"

func excludeItems(items []*core.Item, exclude []string) []*core.Item {
	if len(exclude) == 0 {
		return items
	}
	drop := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		drop[id] = struct{}{}
	}
	out := items[:0]
	for _, item := range items {
		if _, skip := drop[item.ID]; !skip {
			out = append(out, item)
		}
	}
	return out
}

// sortStable 按分数降序排列，同分按物品 ID 升序，保证排序确定性。
func sortStable(items []*core.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
	for i, item := range items {
		item.Rank = i + 1
	}
}

func truncate(items []*core.Item, n int) []*core.Item {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// Cosine 计算两个向量的余弦相似度；维度不一致时按较短者计算，零向量返回 0。
func Cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dotSum, na, nb float64
	for i := 0; i < n; i++ {
		dotSum += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dotSum / (math.Sqrt(na) * math.Sqrt(nb))
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
