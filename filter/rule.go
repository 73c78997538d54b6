package filter

import (
	"context"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/pipeline"
	"github.com/rushteam/onlinerec/pkg/dsl"
	"github.com/rushteam/onlinerec/pkg/utils"
)

// RuleNode 以 CEL 表达式过滤候选：表达式对 item/meta/user 求值，
// 结果为 false 的物品被剔除。求值出错按剔除处理。
type RuleNode struct {
	rule *dsl.Rule
}

// NewRuleNode 编译表达式并创建规则过滤节点。
func NewRuleNode(expr string) (*RuleNode, error) {
	rule, err := dsl.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &RuleNode{rule: rule}, nil
}

func (n *RuleNode) Name() string {
	return "filter.rule"
}

func (n *RuleNode) Kind() pipeline.Kind {
	return pipeline.KindFilter
}

func (n *RuleNode) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	if len(items) == 0 {
		return items, nil
	}

	out := make([]*core.Item, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		ok, err := n.rule.Evaluate(item, rctx)
		if err != nil || !ok {
			item.PutLabel("filtered", utils.Label{Value: "true", Source: n.Name()})
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
