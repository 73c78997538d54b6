package scorer

import (
	"context"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/pkg/dsl"
	"github.com/rushteam/onlinerec/pkg/utils"
)

// catalogSetKey 是物品目录集合的 key。
const catalogSetKey = "catalog:items"

// CandidateProvider 是候选集来源的能力接口。
// Scorer 不关心候选从何而来：静态目录、KV 存储集合、外部召回都可以接入。
type CandidateProvider interface {
	Candidates(ctx context.Context, rctx *core.RecommendContext) ([]*core.Item, error)
}

// StaticProvider 是固定目录候选源（开发/测试、小目录场景）。
type StaticProvider struct {
	itemIDs []string
}

// NewStaticProvider 以固定物品列表创建候选源。
func NewStaticProvider(itemIDs []string) *StaticProvider {
	return &StaticProvider{itemIDs: append([]string(nil), itemIDs...)}
}

func (p *StaticProvider) Candidates(ctx context.Context, rctx *core.RecommendContext) ([]*core.Item, error) {
	items := make([]*core.Item, 0, len(p.itemIDs))
	for _, id := range p.itemIDs {
		item := core.NewItem(id)
		item.PutLabel("source", utils.Label{Value: "static", Source: "candidates"})
		items = append(items, item)
	}
	return items, nil
}

// StoreProvider 从 KV 存储的目录集合读取候选。
type StoreProvider struct {
	kv core.KeyValueStore
}

// NewStoreProvider 以 KV 存储目录集合创建候选源。
func NewStoreProvider(kv core.KeyValueStore) *StoreProvider {
	return &StoreProvider{kv: kv}
}

func (p *StoreProvider) Candidates(ctx context.Context, rctx *core.RecommendContext) ([]*core.Item, error) {
	ids, err := p.kv.SMembers(ctx, catalogSetKey)
	if err != nil {
		return nil, err
	}
	items := make([]*core.Item, 0, len(ids))
	for _, id := range ids {
		item := core.NewItem(id)
		item.PutLabel("source", utils.Label{Value: "catalog", Source: "candidates"})
		items = append(items, item)
	}
	return items, nil
}

// RuleProvider 在任意候选源上叠加 CEL 资格规则，规则不通过的候选被剔除。
type RuleProvider struct {
	inner CandidateProvider
	rule  *dsl.Rule
}

// NewRuleProvider 编译规则表达式并包装候选源。空表达式表示全部放行。
func NewRuleProvider(inner CandidateProvider, expr string) (*RuleProvider, error) {
	rule, err := dsl.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &RuleProvider{inner: inner, rule: rule}, nil
}

func (p *RuleProvider) Candidates(ctx context.Context, rctx *core.RecommendContext) ([]*core.Item, error) {
	items, err := p.inner.Candidates(ctx, rctx)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, item := range items {
		ok, err := p.rule.Evaluate(item, rctx)
		if err != nil {
			// 规则求值失败按不通过处理，避免把脏数据放进结果
			continue
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}
