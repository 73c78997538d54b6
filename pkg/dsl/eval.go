// Package dsl 提供基于 CEL (Common Expression Language) 的候选资格规则求值。
//
// 候选集生成是可插拔的协作者：默认实现"全量目录减去排除/已看物品"，
// 业务可以再叠加一条 CEL 规则做目录级资格过滤，不需要改动调用方。
package dsl

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rushteam/onlinerec/core"
)

var (
	// celEnv 是全局的 CEL 环境，线程安全，可复用
	celEnv     *cel.Env
	celEnvOnce sync.Once
	celEnvErr  error
)

func getCELEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("item", cel.DynType),
			cel.Variable("meta", cel.DynType),
			cel.Variable("user", cel.DynType),
		)
	})
	return celEnv, celEnvErr
}

// Rule 是一条编译后的候选资格规则，可被并发复用。
//
// 表达式语法（CEL 标准语法）：
//   - 数值：item.score >= 0.0 / meta.price < 100.0
//   - 逻辑：meta.category != "blocked" && meta.available == true
//   - 冷启动相关：user.cold_start == false
//
// 空表达式视为恒真（不过滤）。
type Rule struct {
	expr string
	prg  cel.Program
}

// Compile 编译一条规则；编译一次，Evaluate 多次。
func Compile(expr string) (*Rule, error) {
	if expr == "" {
		return &Rule{}, nil
	}
	env, err := getCELEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %v", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program error: %w", err)
	}
	return &Rule{expr: expr, prg: prg}, nil
}

// Expr 返回原始表达式（用于日志/配置回显）。
func (r *Rule) Expr() string { return r.expr }

// Evaluate 对单个候选物品求值，返回该物品是否通过规则。
func (r *Rule) Evaluate(item *core.Item, rctx *core.RecommendContext) (bool, error) {
	if r.prg == nil {
		return true, nil
	}

	input := map[string]any{
		"item": map[string]any{
			"id":    item.ID,
			"score": item.Score,
		},
		"meta": normalizeMeta(item.Meta),
		"user": buildUserInput(rctx),
	}

	out, _, err := r.prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval error: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q did not evaluate to bool", r.expr)
	}
	return b, nil
}

func normalizeMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}

func buildUserInput(rctx *core.RecommendContext) map[string]any {
	if rctx == nil {
		return map[string]any{}
	}
	user := map[string]any{
		"id":         rctx.UserID,
		"scene":      rctx.Scene,
		"cold_start": rctx.ColdStart(),
	}
	for k, v := range rctx.Params {
		user[k] = v
	}
	return user
}
