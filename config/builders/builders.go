// Package builders 注册可从纯配置构建的内置 Node。
// 依赖运行时组件（存储、打分器、特征）的 Node 由 engine 以闭包注册。
package builders

import (
	"fmt"

	"github.com/rushteam/onlinerec/config"
	"github.com/rushteam/onlinerec/filter"
	"github.com/rushteam/onlinerec/pipeline"
	"github.com/rushteam/onlinerec/pkg/conv"
	"github.com/rushteam/onlinerec/rerank"
)

func init() {
	config.Register("filter.blacklist", BuildBlacklistNode)
	config.Register("filter.rule", BuildRuleNode)
	config.Register("rerank.topn", BuildTopNNode)
	config.Register("rerank.diversity", BuildDiversityNode)
	config.Register("rerank.explore", BuildExploreNode)
}

func BuildBlacklistNode(cfg map[string]interface{}) (pipeline.Node, error) {
	ids := conv.SliceAnyToString(cfg["item_ids"])
	if ids == nil {
		ids = []string{}
	}
	return &filter.FilterNode{
		Filters: []filter.Filter{filter.NewBlacklistFilter(ids, nil)},
	}, nil
}

func BuildRuleNode(cfg map[string]interface{}) (pipeline.Node, error) {
	expr := conv.ConfigGet(cfg, "expr", "")
	if expr == "" {
		return nil, fmt.Errorf("expr not found")
	}
	return filter.NewRuleNode(expr)
}

func BuildTopNNode(cfg map[string]interface{}) (pipeline.Node, error) {
	n := conv.ConfigGetInt64(cfg, "n", 0)
	return &rerank.TopNNode{N: int(n)}, nil
}

func BuildDiversityNode(cfg map[string]interface{}) (pipeline.Node, error) {
	return &rerank.Diversity{
		LabelKey:       conv.ConfigGet(cfg, "label_key", "category"),
		MaxPerCategory: int(conv.ConfigGetInt64(cfg, "max_per_category", 0)),
	}, nil
}

func BuildExploreNode(cfg map[string]interface{}) (pipeline.Node, error) {
	return rerank.NewExplore(conv.ConfigGetFloat64(cfg, "fraction", 0)), nil
}
