package dsl

import (
	"testing"

	"github.com/rushteam/onlinerec/core"
)

func TestRuleEvaluate(t *testing.T) {
	item := core.NewItem("movie_1")
	item.Score = 0.8
	item.Meta["price"] = 49.0
	item.Meta["available"] = true

	rctx := &core.RecommendContext{UserID: "u1", Scene: "home"}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty expr passes", "", true},
		{"score threshold", "item.score >= 0.5", true},
		{"score threshold fail", "item.score >= 0.9", false},
		{"meta condition", `meta.price < 100.0 && meta.available == true`, true},
		{"id prefix", `item.id.startsWith("movie_")`, true},
		{"user scene", `user.scene == "home"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q): %v", tt.expr, err)
			}
			got, err := rule.Evaluate(item, rctx)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestCompileError(t *testing.T) {
	if _, err := Compile("item.score >="); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestEvaluateNonBool(t *testing.T) {
	rule, err := Compile("item.score + 1.0")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := rule.Evaluate(core.NewItem("a"), nil); err == nil {
		t.Fatal("non-bool result must error")
	}
}
