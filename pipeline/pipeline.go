package pipeline

import (
	"context"

	"github.com/rushteam/onlinerec/core"
)

// Pipeline 把推荐请求链路拆成可组合的 Node 链：候选 → 过滤 → 排序 → 重排。
type Pipeline struct {
	Nodes []Node
}

func (p *Pipeline) Run(
	ctx context.Context,
	rctx *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	cur := items
	for _, node := range p.Nodes {
		next, err := node.Process(ctx, rctx, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
