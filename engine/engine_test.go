package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/rushteam/onlinerec/config/builders"
	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/experiment"
	"github.com/rushteam/onlinerec/feature"
	"github.com/rushteam/onlinerec/pipeline"
	"github.com/rushteam/onlinerec/scorer"
	"github.com/rushteam/onlinerec/store"
	"github.com/rushteam/onlinerec/telemetry"
)

var testCatalog = []string{
	"movie_1", "movie_2", "movie_3", "book_1", "book_2", "song_1", "song_2", "song_3",
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	features := feature.NewStore(feature.NewStoreBackend(mem), feature.WithPopularity(mem))
	sc := scorer.NewScorer(
		scorer.NewStaticProvider(testCatalog),
		scorer.NewHashedTable(core.DefaultFeatureDim),
		scorer.WithPopular(mem),
		scorer.WithExploreRatio(0),
	)
	champion := core.NewModelVariant("champion", "hashed-v0", core.DefaultFeatureDim)
	e := NewEngine(features, sc, champion, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e, mem
}

func interaction(userID, itemID string, typ core.EventType, id string) *core.InteractionEvent {
	return &core.InteractionEvent{
		EventID:   id,
		UserID:    userID,
		ItemID:    itemID,
		Type:      typ,
		Timestamp: time.Now(),
	}
}

func TestRecommendExcludesInteractedItems(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.HandleEvent(ctx, interaction("u1", "movie_1", core.EventLike, "e1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := e.HandleEvent(ctx, interaction("u1", "song_1", core.EventPurchase, "e2")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	resp, err := e.Recommend(ctx, &Request{UserID: "u1", N: 10})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.ColdStart {
		t.Fatal("user with history must not be cold start")
	}
	if resp.VariantID != "champion" {
		t.Fatalf("variant = %s, want champion without experiment", resp.VariantID)
	}
	for _, it := range resp.Items {
		if it.ID == "movie_1" || it.ID == "song_1" {
			t.Fatalf("already-seen item %s recommended again", it.ID)
		}
	}
	if len(resp.Items) != len(testCatalog)-2 {
		t.Fatalf("items = %d, want %d", len(resp.Items), len(testCatalog)-2)
	}
	for i := 1; i < len(resp.Items); i++ {
		if resp.Items[i-1].Score < resp.Items[i].Score {
			t.Fatal("items not sorted by score desc")
		}
	}
}

func TestRecommendColdStartServesPopular(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	// 其他用户的正反馈堆出热门榜
	for i := 0; i < 5; i++ {
		u := fmt.Sprintf("warm-%d", i)
		e.HandleEvent(ctx, interaction(u, "movie_2", core.EventPurchase, u+"-p"))
		e.HandleEvent(ctx, interaction(u, "book_1", core.EventLike, u+"-l"))
	}

	resp, err := e.Recommend(ctx, &Request{UserID: "newcomer", N: 3})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !resp.ColdStart {
		t.Fatal("fresh user should be cold start")
	}
	if len(resp.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(resp.Items))
	}
	if resp.Items[0].ID != "movie_2" {
		t.Fatalf("top cold-start item = %s, want most popular movie_2", resp.Items[0].ID)
	}
}

func TestHandleEventFeedsLearner(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := interaction("u1", fmt.Sprintf("movie_%d", i%3+1), core.EventClick, fmt.Sprintf("e%d", i))
		if err := e.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}
	// 重复事件不产生样本
	if err := e.HandleEvent(ctx, interaction("u1", "movie_1", core.EventClick, "e0")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	l, ok := e.Learner("champion")
	if !ok {
		t.Fatal("champion learner missing")
	}
	// 5 条有效事件，第 4 条分流进留出集，重复事件不产生样本
	if got := l.Len(); got != 4 {
		t.Fatalf("learner buffer = %d, want 4", got)
	}
}

func TestRecommendDegradesOnPipelineFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	e.HandleEvent(ctx, interaction("u1", "movie_1", core.EventLike, "e1"))

	e.SetPipeline(&pipeline.Pipeline{Nodes: []pipeline.Node{failingNode{}}})

	resp, err := e.Recommend(ctx, &Request{UserID: "u1", N: 5})
	if err != nil {
		t.Fatalf("Recommend must degrade, not fail: %v", err)
	}
	if !resp.Degraded {
		t.Fatal("response should be flagged degraded")
	}
	if len(resp.Items) == 0 {
		t.Fatal("degraded response should still carry fallback items")
	}
}

type failingNode struct{}

func (failingNode) Name() string        { return "test.failing" }
func (failingNode) Kind() pipeline.Kind { return pipeline.KindRank }
func (failingNode) Process(context.Context, *core.RecommendContext, []*core.Item) ([]*core.Item, error) {
	return nil, errors.New("boom")
}

func TestRecommendInvalidInput(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Recommend(context.Background(), &Request{}); !core.IsInvalidInput(err) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
}

func TestExperimentFlowEndToEnd(t *testing.T) {
	mgr := experiment.NewManager(experiment.WithMinSample(20))
	champion := core.NewModelVariant("champion", "hashed-v0", core.DefaultFeatureDim)
	challenger := core.NewModelVariant("challenger", "hashed-v0", core.DefaultFeatureDim)
	exp, err := mgr.Create("serving-test", experiment.StrategyFixed,
		[]*core.ModelVariant{champion, challenger},
		map[string]int{"champion": 50, "challenger": 50})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.Start(exp.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mem := store.NewMemoryStore()
	features := feature.NewStore(feature.NewStoreBackend(mem))
	sc := scorer.NewScorer(scorer.NewStaticProvider(testCatalog), scorer.NewHashedTable(core.DefaultFeatureDim))
	sink := telemetry.NewMemorySink()
	e := NewEngine(features, sc, champion,
		WithExperiment(mgr, exp.ID),
		WithSink(sink),
	)
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	// 模拟流量：challenger 全转化，champion 不转化
	for i := 0; i < 80; i++ {
		user := fmt.Sprintf("user-%d", i)
		e.HandleEvent(ctx, interaction(user, "movie_1", core.EventView, user+"-seed"))
		resp, err := e.Recommend(ctx, &Request{UserID: user, N: 3})
		if err != nil {
			t.Fatalf("Recommend: %v", err)
		}
		if resp.VariantID != "champion" && resp.VariantID != "challenger" {
			t.Fatalf("unexpected variant %s", resp.VariantID)
		}
		if resp.VariantID == "challenger" && len(resp.Items) > 0 {
			if err := e.RecordOutcome(ctx, user, resp.Items[0].ID, resp.VariantID, true); err != nil {
				t.Fatalf("RecordOutcome: %v", err)
			}
		}
	}

	res, err := mgr.Results(exp.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if res.Verdict != "significant" {
		t.Fatalf("verdict = %q (p=%v), want significant", res.Verdict, res.PValue)
	}
	if res.Winner != "challenger" {
		t.Fatalf("winner = %q, want challenger", res.Winner)
	}

	requests, _, events, _ := sink.Snapshot()
	if requests != 80 || events != 80 {
		t.Fatalf("sink requests=%d events=%d, want 80/80", requests, events)
	}
}

func TestLoadPipelineFromConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	yml := `pipeline:
  name: serving
  nodes:
    - type: candidates.provider
    - type: filter.seen
    - type: filter.blacklist
      config:
        item_ids: ["movie_3"]
    - type: rank.variant
    - type: rerank.topn
      config:
        n: 3
`
	path := filepath.Join(t.TempDir(), "pipeline.yml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := e.LoadPipeline(path); err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}

	if err := e.HandleEvent(ctx, interaction("u9", "movie_1", core.EventLike, "e-u9")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	resp, err := e.Recommend(ctx, &Request{UserID: "u9", N: 10})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(resp.Items) != 3 {
		t.Fatalf("items = %d, want topn 3", len(resp.Items))
	}
	for _, it := range resp.Items {
		if it.ID == "movie_1" || it.ID == "movie_3" {
			t.Fatalf("item %s should have been filtered", it.ID)
		}
	}
}

func TestColdStartThenPersonalized(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	// 种子热度，让冷启动有热门可出
	_ = e.HandleEvent(ctx, interaction("seed", "movie_2", core.EventPurchase, "seed-1"))

	first, err := e.Recommend(ctx, &Request{UserID: "u1", N: 5})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !first.ColdStart {
		t.Fatal("new user must be cold start")
	}
	if len(first.Items) == 0 {
		t.Fatal("cold start must still serve items")
	}

	liked := first.Items[0].ID
	if err := e.HandleEvent(ctx, interaction("u1", liked, core.EventLike, "u1-like")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	second, err := e.Recommend(ctx, &Request{UserID: "u1", N: 5})
	if err != nil {
		t.Fatalf("Recommend after like: %v", err)
	}
	if second.ColdStart {
		t.Fatal("user with one interaction must not be cold start")
	}
	for _, it := range second.Items {
		if it.ID == liked {
			t.Fatalf("liked item %s served again", liked)
		}
	}
}
