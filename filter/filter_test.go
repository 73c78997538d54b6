package filter

import (
	"context"
	"testing"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/store"
)

func itemList(ids ...string) []*core.Item {
	items := make([]*core.Item, len(ids))
	for i, id := range ids {
		items[i] = core.NewItem(id)
	}
	return items
}

func itemIDs(items []*core.Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func TestBlacklistFilter(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	defer kv.Close()
	if err := kv.SAdd(ctx, "blacklist:items", "item_c"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	node := &FilterNode{Filters: []Filter{
		NewBlacklistFilter([]string{"item_a"}, kv),
	}}

	out, err := node.Process(ctx, &core.RecommendContext{UserID: "u1"}, itemList("item_a", "item_b", "item_c"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := itemIDs(out); len(got) != 1 || got[0] != "item_b" {
		t.Fatalf("remaining = %v, want [item_b]", got)
	}
}

type staticLister struct {
	seen []string
}

func (l *staticLister) SeenItems(_ context.Context, _ string) []string { return l.seen }

func TestSeenNode(t *testing.T) {
	node := NewSeenNode(&staticLister{seen: []string{"item_a", "item_c"}})

	out, err := node.Process(context.Background(), &core.RecommendContext{UserID: "u1"}, itemList("item_a", "item_b", "item_c"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := itemIDs(out); len(got) != 1 || got[0] != "item_b" {
		t.Fatalf("remaining = %v, want [item_b]", got)
	}
	if out[0].Labels["filtered"].Value != "" {
		t.Fatal("surviving item must not carry filtered label")
	}
}

func TestSeenNodeNoUser(t *testing.T) {
	node := NewSeenNode(&staticLister{seen: []string{"item_a"}})
	items := itemList("item_a", "item_b")

	out, err := node.Process(context.Background(), &core.RecommendContext{}, items)
	if err != nil || len(out) != 2 {
		t.Fatalf("anonymous request must pass through, got %v %v", itemIDs(out), err)
	}
}

func TestRuleNode(t *testing.T) {
	node, err := NewRuleNode(`!item.id.startsWith("ad_")`)
	if err != nil {
		t.Fatalf("NewRuleNode: %v", err)
	}

	out, err := node.Process(context.Background(), &core.RecommendContext{UserID: "u1"}, itemList("ad_1", "movie_1", "ad_2"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := itemIDs(out); len(got) != 1 || got[0] != "movie_1" {
		t.Fatalf("remaining = %v, want [movie_1]", got)
	}
}

func TestRuleNodeBadExpr(t *testing.T) {
	if _, err := NewRuleNode("item.id ++ nope"); err == nil {
		t.Fatal("expected compile error")
	}
}
