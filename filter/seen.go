package filter

import (
	"context"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/pipeline"
	"github.com/rushteam/onlinerec/pkg/utils"
)

// SeenLister 提供用户已交互物品列表（由 feature.Store 实现）。
type SeenLister interface {
	SeenItems(ctx context.Context, userID string) []string
}

// SeenNode 过滤掉用户已交互过的物品，避免重复推荐。
// 每次 Process 对已见集合做一次快照，请求内判断一致。
type SeenNode struct {
	Lister SeenLister
}

// NewSeenNode 创建已见过滤节点。
func NewSeenNode(lister SeenLister) *SeenNode {
	return &SeenNode{Lister: lister}
}

func (n *SeenNode) Name() string {
	return "filter.seen"
}

func (n *SeenNode) Kind() pipeline.Kind {
	return pipeline.KindFilter
}

func (n *SeenNode) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	if n.Lister == nil || rctx == nil || rctx.UserID == "" || len(items) == 0 {
		return items, nil
	}

	seen := make(map[string]struct{})
	for _, id := range n.Lister.SeenItems(ctx, rctx.UserID) {
		seen[id] = struct{}{}
	}
	if len(seen) == 0 {
		return items, nil
	}

	out := make([]*core.Item, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		if _, hit := seen[item.ID]; hit {
			item.PutLabel("filtered", utils.Label{Value: "true", Source: n.Name()})
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
