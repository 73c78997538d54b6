package config_test

import (
	"context"
	"testing"

	"github.com/rushteam/onlinerec/config"
	_ "github.com/rushteam/onlinerec/config/builders"
	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/pipeline"
)

func TestDefaultFactoryBuildsRegisteredNodes(t *testing.T) {
	factory := config.DefaultFactory()

	node, err := factory.Build("rerank.topn", map[string]interface{}{"n": 2})
	if err != nil {
		t.Fatalf("Build rerank.topn: %v", err)
	}

	items := []*core.Item{core.NewItem("a"), core.NewItem("b"), core.NewItem("c")}
	out, err := node.Process(context.Background(), &core.RecommendContext{}, items)
	if err != nil || len(out) != 2 {
		t.Fatalf("topn output = %v, %v", out, err)
	}
}

func TestRuleBuilderRequiresExpr(t *testing.T) {
	factory := config.DefaultFactory()
	if _, err := factory.Build("filter.rule", map[string]interface{}{}); err == nil {
		t.Fatal("filter.rule without expr must fail")
	}
}

func TestValidatePipelineConfig(t *testing.T) {
	cfg := &pipeline.Config{}
	cfg.Pipeline.Nodes = []pipeline.NodeConfig{
		{Type: "rerank.topn"},
		{Type: "filter.blacklist"},
	}
	if err := config.ValidatePipelineConfig(cfg); err != nil {
		t.Fatalf("ValidatePipelineConfig: %v", err)
	}

	cfg.Pipeline.Nodes = append(cfg.Pipeline.Nodes, pipeline.NodeConfig{Type: "rank.variant"})
	if err := config.ValidatePipelineConfig(cfg); err == nil {
		t.Fatal("runtime-only node must be rejected without engine registration")
	}
}

func TestSupportedTypesContainsBuiltins(t *testing.T) {
	types := config.SupportedTypes()
	want := map[string]bool{
		"filter.blacklist": false,
		"filter.rule":      false,
		"rerank.topn":      false,
		"rerank.diversity": false,
	}
	for _, typ := range types {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("builtin %s not registered", typ)
		}
	}
}
