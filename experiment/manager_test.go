package experiment

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/rushteam/onlinerec/core"
)

func twoVariants() []*core.ModelVariant {
	return []*core.ModelVariant{
		core.NewModelVariant("champion", "emb-v1", 4),
		core.NewModelVariant("challenger", "emb-v2", 4),
	}
}

func runningExperiment(t *testing.T, m *Manager, strategy Strategy, split map[string]int) *Experiment {
	t.Helper()
	exp, err := m.Create("test", strategy, twoVariants(), split)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Start(exp.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return exp
}

func TestCreateValidation(t *testing.T) {
	m := NewManager()
	one := []*core.ModelVariant{core.NewModelVariant("only", "emb", 4)}
	dup := []*core.ModelVariant{core.NewModelVariant("a", "emb", 4), core.NewModelVariant("a", "emb", 4)}

	tests := []struct {
		name     string
		variants []*core.ModelVariant
		strategy Strategy
		split    map[string]int
	}{
		{"single variant", one, StrategyThompson, nil},
		{"duplicate ids", dup, StrategyThompson, nil},
		{"fixed split missing variant", twoVariants(), StrategyFixed, map[string]int{"champion": 100}},
		{"fixed split not 100", twoVariants(), StrategyFixed, map[string]int{"champion": 50, "challenger": 40}},
		{"unknown strategy", twoVariants(), Strategy("bandit"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Create("bad", tt.strategy, tt.variants, tt.split); !core.IsInvalidInput(err) {
				t.Errorf("err = %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestCreateDefaultsToThompson(t *testing.T) {
	m := NewManager()
	exp, err := m.Create("defaults", "", twoVariants(), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if exp.Strategy != StrategyThompson {
		t.Fatalf("strategy = %s, want thompson", exp.Strategy)
	}
	if exp.CurrentStatus() != StatusDraft {
		t.Fatalf("status = %s, want draft", exp.CurrentStatus())
	}
}

func TestLifecycleTransitions(t *testing.T) {
	m := NewManager()
	exp, _ := m.Create("lifecycle", StrategyThompson, twoVariants(), nil)

	if err := m.Stop(exp.ID); !core.IsInvalidInput(err) {
		t.Fatalf("stop from draft: err = %v, want INVALID_INPUT", err)
	}
	if err := m.Start(exp.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(exp.ID); !core.IsInvalidInput(err) {
		t.Fatalf("double start: err = %v, want INVALID_INPUT", err)
	}
	if err := m.Stop(exp.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Start(exp.ID); !core.IsInvalidInput(err) {
		t.Fatalf("restart stopped: err = %v, want INVALID_INPUT", err)
	}
}

func TestAssignRequiresRunning(t *testing.T) {
	m := NewManager()
	exp, _ := m.Create("draft-only", StrategyThompson, twoVariants(), nil)
	if _, err := m.Assign(exp.ID, "u1"); !core.IsInvalidInput(err) {
		t.Fatalf("err = %v, want INVALID_INPUT for draft experiment", err)
	}
}

func TestAssignFixedIsDeterministic(t *testing.T) {
	m := NewManager()
	exp := runningExperiment(t, m, StrategyFixed, map[string]int{"champion": 50, "challenger": 50})

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("user-%d", i)
		v1, err := m.Assign(exp.ID, user)
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		v2, _ := m.Assign(exp.ID, user)
		if v1.ID != v2.ID {
			t.Fatalf("fixed assignment not sticky for %s: %s vs %s", user, v1.ID, v2.ID)
		}
		counts[v1.ID]++
	}
	// 50/50 切分在 1000 个用户上应大致均衡
	if counts["champion"] < 350 || counts["challenger"] < 350 {
		t.Fatalf("fixed 50/50 split badly skewed: %v", counts)
	}
}

func TestAssignStickyPerUser(t *testing.T) {
	m := NewManager(WithManagerRandSource(rand.NewSource(7)))
	exp := runningExperiment(t, m, StrategyThompson, nil)

	first, err := m.Assign(exp.ID, "u1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := m.Assign(exp.ID, "u1")
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if again.ID != first.ID {
			t.Fatalf("assignment not sticky: %s then %s", first.ID, again.ID)
		}
	}
}

func TestThompsonConvergesToBetterArm(t *testing.T) {
	m := NewManager(WithManagerRandSource(rand.NewSource(42)))
	exp := runningExperiment(t, m, StrategyThompson, nil)

	// 灌入先验：challenger 转化率 30%，champion 5%
	for i := 0; i < 500; i++ {
		m.RecordImpression(exp.ID, "champion")
		m.RecordImpression(exp.ID, "challenger")
		if i%20 == 0 {
			m.RecordConversion(exp.ID, "champion")
		}
		if i%3 == 0 {
			m.RecordConversion(exp.ID, "challenger")
		}
	}

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		v, err := m.Assign(exp.ID, fmt.Sprintf("fresh-%d", i))
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		counts[v.ID]++
	}
	if counts["challenger"] <= counts["champion"] {
		t.Fatalf("thompson did not favor better arm: %v", counts)
	}
}

func TestEpsilonGreedyExploitsBestArm(t *testing.T) {
	m := NewManager(WithManagerRandSource(rand.NewSource(11)))
	exp := runningExperiment(t, m, StrategyEpsilonGreedy, nil)

	for i := 0; i < 100; i++ {
		m.RecordImpression(exp.ID, "champion")
		m.RecordImpression(exp.ID, "challenger")
		m.RecordConversion(exp.ID, "challenger")
	}

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		v, _ := m.Assign(exp.ID, fmt.Sprintf("fresh-%d", i))
		counts[v.ID]++
	}
	// ε=0.1：期望约 90% + 5%（探索均分）流量给最优臂
	if counts["challenger"] < 150 {
		t.Fatalf("epsilon-greedy under-exploited best arm: %v", counts)
	}
}

func TestRecordFrozenAfterStop(t *testing.T) {
	m := NewManager()
	exp := runningExperiment(t, m, StrategyThompson, nil)

	if err := m.RecordImpression(exp.ID, "champion"); err != nil {
		t.Fatalf("RecordImpression: %v", err)
	}
	if err := m.Stop(exp.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.RecordImpression(exp.ID, "champion"); err != nil {
		t.Fatalf("post-stop record should be a silent no-op: %v", err)
	}

	s, _ := exp.VariantStats("champion")
	if s.Impressions() != 1 {
		t.Fatalf("impressions = %d, want 1 (frozen after stop)", s.Impressions())
	}
}

func TestRecordUnknownVariant(t *testing.T) {
	m := NewManager()
	exp := runningExperiment(t, m, StrategyThompson, nil)
	if err := m.RecordConversion(exp.ID, "ghost"); !core.IsInvalidInput(err) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
}

func TestResultsInsufficientData(t *testing.T) {
	m := NewManager()
	exp := runningExperiment(t, m, StrategyThompson, nil)

	for i := 0; i < 10; i++ {
		m.RecordImpression(exp.ID, "champion")
		m.RecordImpression(exp.ID, "challenger")
	}
	res, err := m.Results(exp.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if res.Verdict != "insufficient data" {
		t.Fatalf("verdict = %q, want insufficient data", res.Verdict)
	}
	if res.Winner != "" {
		t.Fatalf("winner = %q, want empty below min sample", res.Winner)
	}
}

func TestResultsSignificantChallengerWins(t *testing.T) {
	m := NewManager()
	exp := runningExperiment(t, m, StrategyThompson, nil)

	// champion 10% vs challenger 30%，各 1000 曝光，差异显著
	for i := 0; i < 1000; i++ {
		m.RecordImpression(exp.ID, "champion")
		m.RecordImpression(exp.ID, "challenger")
		if i%10 == 0 {
			m.RecordConversion(exp.ID, "champion")
		}
		if i%10 < 3 {
			m.RecordConversion(exp.ID, "challenger")
		}
	}

	res, err := m.Results(exp.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if res.Verdict != "significant" {
		t.Fatalf("verdict = %q (p=%v), want significant", res.Verdict, res.PValue)
	}
	if res.Winner != "challenger" {
		t.Fatalf("winner = %q, want challenger", res.Winner)
	}
	if res.PValue >= 0.05 {
		t.Fatalf("p-value = %v, want < 0.05", res.PValue)
	}
}

func TestResultsNotSignificantOnEqualRates(t *testing.T) {
	m := NewManager()
	exp := runningExperiment(t, m, StrategyThompson, nil)

	for i := 0; i < 1000; i++ {
		m.RecordImpression(exp.ID, "champion")
		m.RecordImpression(exp.ID, "challenger")
		if i%10 == 0 {
			m.RecordConversion(exp.ID, "champion")
			m.RecordConversion(exp.ID, "challenger")
		}
	}

	res, err := m.Results(exp.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if res.Verdict != "not significant" {
		t.Fatalf("verdict = %q, want not significant", res.Verdict)
	}
}

func TestResultsHonorsConfiguredSignificance(t *testing.T) {
	// 严到 alpha=1e-12：常规差异不再显著
	strict := NewManager(WithSignificance(1e-12))
	exp := runningExperiment(t, strict, StrategyThompson, nil)

	// champion 10% vs challenger 14%，各 1000 曝光：p 值小于 0.05 但远大于 1e-12
	for i := 0; i < 1000; i++ {
		strict.RecordImpression(exp.ID, "champion")
		strict.RecordImpression(exp.ID, "challenger")
		if i%50 < 5 {
			strict.RecordConversion(exp.ID, "champion")
		}
		if i%50 < 7 {
			strict.RecordConversion(exp.ID, "challenger")
		}
	}

	res, err := strict.Results(exp.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if res.PValue >= DefaultSignificance {
		t.Fatalf("p-value = %v, test setup expects < %v", res.PValue, DefaultSignificance)
	}
	if res.Verdict != "not significant" {
		t.Fatalf("verdict = %q under alpha=1e-12, want not significant", res.Verdict)
	}

	// 松到 alpha=0.5：同样的数据判定显著
	loose := NewManager(WithSignificance(0.5))
	exp2 := runningExperiment(t, loose, StrategyThompson, nil)
	for i := 0; i < 1000; i++ {
		loose.RecordImpression(exp2.ID, "champion")
		loose.RecordImpression(exp2.ID, "challenger")
		if i%50 < 5 {
			loose.RecordConversion(exp2.ID, "champion")
		}
		if i%50 < 7 {
			loose.RecordConversion(exp2.ID, "challenger")
		}
	}
	res2, err := loose.Results(exp2.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if res2.Verdict != "significant" || res2.Winner != "challenger" {
		t.Fatalf("verdict = %q winner = %q under alpha=0.5, want significant/challenger", res2.Verdict, res2.Winner)
	}
}

func TestRecordLatencyAccumulates(t *testing.T) {
	m := NewManager()
	exp := runningExperiment(t, m, StrategyThompson, nil)

	if err := m.RecordLatency(exp.ID, "champion", 10*time.Millisecond); err != nil {
		t.Fatalf("RecordLatency: %v", err)
	}
	if err := m.RecordLatency(exp.ID, "champion", 30*time.Millisecond); err != nil {
		t.Fatalf("RecordLatency: %v", err)
	}

	stats, ok := exp.VariantStats("champion")
	if !ok {
		t.Fatal("missing champion stats")
	}
	if got := stats.AvgLatency(); got != 20*time.Millisecond {
		t.Fatalf("AvgLatency = %v, want 20ms", got)
	}
}
