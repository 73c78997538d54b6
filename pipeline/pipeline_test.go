package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rushteam/onlinerec/core"
)

type appendNode struct {
	name string
	fail error
}

func (n *appendNode) Name() string { return n.name }
func (n *appendNode) Kind() Kind   { return KindFilter }

func (n *appendNode) Process(_ context.Context, _ *core.RecommendContext, items []*core.Item) ([]*core.Item, error) {
	if n.fail != nil {
		return nil, n.fail
	}
	return append(items, core.NewItem(n.name)), nil
}

func TestPipelineRunsNodesInOrder(t *testing.T) {
	p := &Pipeline{Nodes: []Node{
		&appendNode{name: "first"},
		&appendNode{name: "second"},
	}}

	out, err := p.Run(context.Background(), &core.RecommendContext{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 || out[0].ID != "first" || out[1].ID != "second" {
		t.Fatalf("unexpected chain output: %v", out)
	}
}

func TestPipelineStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	p := &Pipeline{Nodes: []Node{
		&appendNode{name: "first"},
		&appendNode{name: "broken", fail: boom},
		&appendNode{name: "unreached"},
	}}

	if _, err := p.Run(context.Background(), &core.RecommendContext{}, nil); !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want boom", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yml := `pipeline:
  name: demo
  nodes:
    - type: rerank.topn
      config:
        n: 5
    - type: filter.rule
      config:
        expr: 'item.score > 0.0'
`
	path := filepath.Join(t.TempDir(), "p.yml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFromYAML(path)
	if err != nil {
		t.Fatalf("LoadFromYAML: %v", err)
	}
	if cfg.Pipeline.Name != "demo" || len(cfg.Pipeline.Nodes) != 2 {
		t.Fatalf("cfg = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Nodes[0].Type != "rerank.topn" {
		t.Fatalf("node type = %s", cfg.Pipeline.Nodes[0].Type)
	}
	if n, ok := cfg.Pipeline.Nodes[0].Config["n"].(int); !ok || n != 5 {
		t.Fatalf("config n = %v", cfg.Pipeline.Nodes[0].Config["n"])
	}
}

func TestBuildPipelineUnknownType(t *testing.T) {
	cfg := &Config{}
	cfg.Pipeline.Nodes = []NodeConfig{{Type: "no.such.node"}}

	if _, err := cfg.BuildPipeline(NewNodeFactory()); err == nil {
		t.Fatal("expected unknown node type error")
	}
}
