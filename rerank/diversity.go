package rerank

import (
	"context"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/feature"
	"github.com/rushteam/onlinerec/pipeline"
)

// Diversity 限制同一类目在结果中的条数，避免推荐列表被单一类目占满。
// 类目来源优先级：
//   - label["category"].Value
//   - meta["category"] (string)
//   - 物品 ID 前缀（feature.ItemCategory）
type Diversity struct {
	LabelKey string // 默认 "category"

	// MaxPerCategory 是单个类目允许的最大条数，<=0 时取 1
	MaxPerCategory int
}

func (n *Diversity) Name() string {
	return "rerank.diversity"
}

func (n *Diversity) Kind() pipeline.Kind {
	return pipeline.KindReRank
}

func (n *Diversity) Process(
	_ context.Context,
	_ *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	if len(items) == 0 {
		return items, nil
	}

	key := n.LabelKey
	if key == "" {
		key = "category"
	}
	max := n.MaxPerCategory
	if max <= 0 {
		max = 1
	}

	counts := make(map[string]int, 32)
	out := make([]*core.Item, 0, len(items))

	for _, it := range items {
		if it == nil {
			continue
		}

		cate := ""
		if it.Labels != nil {
			if lbl, ok := it.Labels[key]; ok {
				cate = lbl.Value
			}
		}
		if cate == "" && it.Meta != nil {
			if v, ok := it.Meta[key]; ok {
				if s, ok := v.(string); ok {
					cate = s
				}
			}
		}
		if cate == "" {
			cate = feature.ItemCategory(it.ID)
		}

		if counts[cate] >= max {
			continue
		}
		counts[cate]++
		out = append(out, it)
	}

	return out, nil
}
