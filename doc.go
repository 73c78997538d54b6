// Package onlinerec 是一个在线个性化推荐服务工具包。
//
// 设计要点：
// - Pipeline-first: 排序逻辑通过 Node 串联（Candidates → Filter → Rank → ReRank）
// - 在线闭环: 事件进特征库，特征进打分器，反馈进在线学习，漂移触发重训
// - 降级优先: 缓存陈旧读、冷启动热门兜底、流水线失败回退，宁降级不报错
package onlinerec

import "github.com/rushteam/onlinerec/pipeline"

// 轻量 facade：便于用户直接 import "onlinerec" 使用核心抽象。
type Pipeline = pipeline.Pipeline
type Node = pipeline.Node
type Kind = pipeline.Kind

const (
	KindCandidates = pipeline.KindCandidates
	KindFilter     = pipeline.KindFilter
	KindRank       = pipeline.KindRank
	KindReRank     = pipeline.KindReRank
)
