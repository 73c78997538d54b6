// Package telemetry 提供服务侧观测的最小抽象：引擎只面向 Sink 上报，
// 生产用 Prometheus 实现，测试用内存实现。上报永远尽力而为，不影响请求路径。
package telemetry

import (
	"sync"
	"time"
)

// Sink 是引擎观测事件的接收端。
type Sink interface {
	// RecommendServed 一次推荐请求完成
	RecommendServed(scene string, coldStart bool, elapsed time.Duration)

	// EventIngested 一条交互事件接入（dup 表示被幂等去重）
	EventIngested(eventType string, dup bool)

	// DriftChecked 一次漂移检测完成
	DriftChecked(level string)

	// ExperimentAssigned 一次实验变体分配
	ExperimentAssigned(experimentID, variantID string)
}

// NopSink 丢弃全部观测事件。
type NopSink struct{}

func (NopSink) RecommendServed(string, bool, time.Duration) {}
func (NopSink) EventIngested(string, bool)                  {}
func (NopSink) DriftChecked(string)                         {}
func (NopSink) ExperimentAssigned(string, string)           {}

// MemorySink 在内存中累计观测事件，供测试与本地调试断言。
type MemorySink struct {
	mu sync.Mutex

	Requests    int64
	ColdStarts  int64
	Events      int64
	Duplicates  int64
	DriftLevels map[string]int64
	Assignments map[string]int64 // "experiment/variant" → 次数
}

// NewMemorySink 创建内存观测器。
func NewMemorySink() *MemorySink {
	return &MemorySink{
		DriftLevels: make(map[string]int64),
		Assignments: make(map[string]int64),
	}
}

func (s *MemorySink) RecommendServed(scene string, coldStart bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests++
	if coldStart {
		s.ColdStarts++
	}
}

func (s *MemorySink) EventIngested(eventType string, dup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events++
	if dup {
		s.Duplicates++
	}
}

func (s *MemorySink) DriftChecked(level string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DriftLevels[level]++
}

func (s *MemorySink) ExperimentAssigned(experimentID, variantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Assignments[experimentID+"/"+variantID]++
}

// Snapshot 返回计数副本（避免测试里直接读字段产生竞态）。
func (s *MemorySink) Snapshot() (requests, coldStarts, events, duplicates int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Requests, s.ColdStarts, s.Events, s.Duplicates
}
