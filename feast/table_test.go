package feast

import (
	"context"
	"errors"
	"testing"

	"github.com/rushteam/onlinerec/scorer"
)

type fakeFetcher struct {
	vectors map[string][]float64
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, entityID string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[entityID], nil
}

func TestTableEmbedFromFeast(t *testing.T) {
	fetcher := &fakeFetcher{vectors: map[string][]float64{
		"item_1": {0.1, 0.2, 0.3},
	}}
	table := NewTable(fetcher, "emb-v3", 3)

	vec := table.Embed("item_1")
	if len(vec) != 3 || vec[0] != 0.1 || vec[2] != 0.3 {
		t.Fatalf("unexpected vector: %v", vec)
	}
	if table.Ref() != "emb-v3" {
		t.Fatalf("Ref() = %q", table.Ref())
	}
}

func TestTableCachesHits(t *testing.T) {
	fetcher := &fakeFetcher{vectors: map[string][]float64{
		"item_1": {1, 2},
	}}
	table := NewTable(fetcher, "emb-v1", 2)

	table.Embed("item_1")
	table.Embed("item_1")
	table.Embed("item_1")
	if fetcher.calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetcher.calls)
	}

	table.Invalidate()
	table.Embed("item_1")
	if fetcher.calls != 2 {
		t.Fatalf("expected refetch after Invalidate, got %d calls", fetcher.calls)
	}
}

func TestTableFallsBackOnError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	table := NewTable(fetcher, "emb-v1", 4)

	vec := table.Embed("item_x")
	want := scorer.NewHashedTable(4).Embed("item_x")
	if len(vec) != len(want) {
		t.Fatalf("fallback dim mismatch: %d vs %d", len(vec), len(want))
	}
	for i := range vec {
		if vec[i] != want[i] {
			t.Fatalf("fallback vector differs at dim %d", i)
		}
	}
}

func TestTableFallsBackOnMissing(t *testing.T) {
	fetcher := &fakeFetcher{vectors: map[string][]float64{}}
	table := NewTable(fetcher, "emb-v1", 2)

	vec := table.Embed("unknown")
	if len(vec) != 2 {
		t.Fatalf("expected fallback vector of dim 2, got %v", vec)
	}
	// 缺失结果不缓存，后续物化完成后可立即读到
	table.Embed("unknown")
	if fetcher.calls != 2 {
		t.Fatalf("expected missing items to bypass cache, got %d calls", fetcher.calls)
	}
}
