package scorer

import (
	"context"
	"math/rand"
	"reflect"
	"testing"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/store"
)

func warmContext(userID string) *core.RecommendContext {
	vec := make(core.FeatureVector, core.DefaultFeatureDim)
	for i := range vec {
		vec[i] = float64(i%7) / 10
	}
	return &core.RecommendContext{
		UserID:   userID,
		Features: &core.Features{UserID: userID, Vector: vec},
	}
}

func TestRankDeterministic(t *testing.T) {
	catalog := []string{"movie_1", "movie_2", "book_1", "book_2", "song_1"}
	variant := core.NewModelVariant("champion", "hashed-v0", core.DefaultFeatureDim)

	run := func() []string {
		s := NewScorer(NewStaticProvider(catalog), NewHashedTable(core.DefaultFeatureDim))
		items, err := s.Rank(context.Background(), warmContext("u1"), variant, 5)
		if err != nil {
			t.Fatalf("Rank: %v", err)
		}
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		return ids
	}

	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("ranking not deterministic: %v vs %v", first, second)
	}
	if len(first) != 5 {
		t.Fatalf("result size = %d, want 5", len(first))
	}
}

func TestRankTieBreakByItemID(t *testing.T) {
	// 零权重 + 零相似度让所有候选同分，顺序必须退化为 ID 升序
	variant := core.NewModelVariant("champion", "hashed-v0", core.DefaultFeatureDim)
	rctx := warmContext("u1")
	for i := range rctx.Features.Vector {
		rctx.Features.Vector[i] = 0
	}
	rctx.Features.ColdStart = false

	s := NewScorer(NewStaticProvider([]string{"c", "a", "b"}), NewHashedTable(core.DefaultFeatureDim))
	items, err := s.Rank(context.Background(), rctx, variant, 3)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	got := []string{items[0].ID, items[1].ID, items[2].ID}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tie break order = %v, want %v", got, want)
	}
	for i, it := range items {
		if it.Rank != i+1 {
			t.Errorf("item %s rank = %d, want %d", it.ID, it.Rank, i+1)
		}
	}
}

func TestRankExcludesItems(t *testing.T) {
	variant := core.NewModelVariant("champion", "hashed-v0", core.DefaultFeatureDim)
	rctx := warmContext("u1")
	rctx.ExcludeItems = []string{"movie_1", "movie_3"}

	s := NewScorer(NewStaticProvider([]string{"movie_1", "movie_2", "movie_3", "movie_4"}), NewHashedTable(core.DefaultFeatureDim))
	items, err := s.Rank(context.Background(), rctx, variant, 10)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	for _, it := range items {
		if it.ID == "movie_1" || it.ID == "movie_3" {
			t.Fatalf("excluded item %s leaked into results", it.ID)
		}
	}
	if len(items) != 2 {
		t.Fatalf("result size = %d, want 2", len(items))
	}
}

func TestRankColdStartUsesPopularity(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	for item, score := range map[string]float64{"hot_1": 9, "hot_2": 7, "hot_3": 5} {
		if err := mem.ZAdd(ctx, popularityKey, score, item); err != nil {
			t.Fatalf("ZAdd: %v", err)
		}
	}

	catalog := []string{"hot_1", "hot_2", "hot_3", "tail_1", "tail_2", "tail_3"}
	s := NewScorer(NewStaticProvider(catalog), NewHashedTable(core.DefaultFeatureDim),
		WithPopular(mem),
		WithExploreRatio(0.4),
		WithRandSource(rand.NewSource(1)),
	)

	rctx := &core.RecommendContext{UserID: "newbie", Features: &core.Features{UserID: "newbie", ColdStart: true}}
	variant := core.NewModelVariant("champion", "hashed-v0", core.DefaultFeatureDim)
	items, err := s.Rank(ctx, rctx, variant, 5)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("result size = %d, want 5", len(items))
	}
	// 头部 3 条按热度排，尾部 2 条是探索切片
	head := []string{items[0].ID, items[1].ID, items[2].ID}
	if !reflect.DeepEqual(head, []string{"hot_1", "hot_2", "hot_3"}) {
		t.Fatalf("cold start head = %v, want popularity order", head)
	}
	explored := 0
	for _, it := range items {
		if lbl, ok := it.GetLabel("source"); ok && lbl.Value == "explore" {
			explored++
		}
	}
	if explored != 2 {
		t.Fatalf("explore slice = %d items, want 2", explored)
	}
}

func TestRankColdStartNoPopularityDeterministic(t *testing.T) {
	s := NewScorer(NewStaticProvider([]string{"c", "a", "b"}), NewHashedTable(core.DefaultFeatureDim),
		WithExploreRatio(0))
	rctx := &core.RecommendContext{UserID: "newbie", Features: &core.Features{UserID: "newbie", ColdStart: true}}
	variant := core.NewModelVariant("champion", "hashed-v0", core.DefaultFeatureDim)

	items, err := s.Rank(context.Background(), rctx, variant, 3)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	got := []string{items[0].ID, items[1].ID, items[2].ID}
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("fallback order = %v, want ID order", got)
	}
}

func TestRuleProviderFiltersByCEL(t *testing.T) {
	inner := NewStaticProvider([]string{"movie_1", "book_1", "blocked_1"})
	p, err := NewRuleProvider(inner, `!item.id.startsWith("blocked")`)
	if err != nil {
		t.Fatalf("NewRuleProvider: %v", err)
	}
	items, err := p.Candidates(context.Background(), warmContext("u1"))
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("filtered candidates = %d, want 2", len(items))
	}
	for _, it := range items {
		if it.ID == "blocked_1" {
			t.Fatal("blocked item passed the rule")
		}
	}
}

func TestStoreProviderReadsCatalog(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	if err := mem.SAdd(ctx, catalogSetKey, "i1", "i2", "i3"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	p := NewStoreProvider(mem)
	items, err := p.Candidates(ctx, warmContext("u1"))
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("candidates = %d, want 3", len(items))
	}
}

func TestHashedTableStable(t *testing.T) {
	tbl := NewHashedTable(8)
	a := tbl.Embed("movie_1")
	b := tbl.Embed("movie_1")
	if !reflect.DeepEqual(a, b) {
		t.Fatal("hashed embedding not stable")
	}
	if reflect.DeepEqual(a, tbl.Embed("movie_2")) {
		t.Fatal("distinct items should embed differently")
	}
}

func TestStaticTableFallsBackToHash(t *testing.T) {
	known := core.FeatureVector{1, 0, 0, 0}
	tbl := NewStaticTable("emb-v3", 4, map[string]core.FeatureVector{"known": known})
	if !reflect.DeepEqual(tbl.Embed("known"), known) {
		t.Fatal("known item should use trained embedding")
	}
	if got := tbl.Embed("unknown"); len(got) != 4 {
		t.Fatalf("fallback dim = %d, want 4", len(got))
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}
