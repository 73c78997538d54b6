// Package training 实现再训练协调：触发条件归集、任务生命周期管理、
// 训练产物到模型变体的交接。
package training

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rushteam/onlinerec/core"
)

// Reason 标识一次再训练的触发原因。
type Reason string

const (
	ReasonDrift    Reason = "drift"    // 漂移检测 critical
	ReasonSchedule Reason = "schedule" // 周期计划
	ReasonVolume   Reason = "volume"   // 新增事件量达到阈值
	ReasonManual   Reason = "manual"   // 人工触发
)

// TrainRequest 是提交给离线训练服务的请求。
type TrainRequest struct {
	JobID  string
	Reason Reason

	// Snapshot 是触发时刻的特征分布快照，供训练侧复现线上分布
	Snapshot *core.AggregateSnapshot
}

// TrainResult 是训练产物：版本化嵌入表 + 初始权重。
type TrainResult struct {
	EmbeddingRef string
	Embeddings   map[string]core.FeatureVector
	Weights      *core.Weights
	TrainedAt    time.Time
}

// Client 对接离线训练服务。实现方负责自身的传输与认证。
type Client interface {
	Train(ctx context.Context, req *TrainRequest) (*TrainResult, error)
}

// JobState 是任务状态。succeeded / failed 为终态。
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job 是一次再训练任务的句柄。任务在后台执行，
// 状态字段由执行协程推进，读方通过访问器取快照或在 Done 上等待终态。
type Job struct {
	ID        string
	Reason    Reason
	StartedAt time.Time

	mu         sync.Mutex
	state      JobState
	attempts   int
	finishedAt time.Time
	errMsg     string

	done chan struct{}
}

func newJob(reason Reason) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Reason:    reason,
		StartedAt: time.Now(),
		state:     JobRunning,
		done:      make(chan struct{}),
	}
}

// State 返回当前状态。
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Attempts 返回已执行的训练调用次数。
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// FinishedAt 返回终态时间；未结束时为零值。
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// Err 返回失败原因；成功或未结束时为空。
func (j *Job) Err() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errMsg
}

// Terminal 返回任务是否已进入终态。
func (j *Job) Terminal() bool {
	s := j.State()
	return s == JobSucceeded || s == JobFailed
}

// Done 在任务进入终态时关闭。
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) setAttempts(n int) {
	j.mu.Lock()
	j.attempts = n
	j.mu.Unlock()
}

// finish 落终态并唤醒 Done 上的等待方。
func (j *Job) finish(state JobState, errMsg string) {
	j.mu.Lock()
	j.state = state
	j.errMsg = errMsg
	j.finishedAt = time.Now()
	j.mu.Unlock()
	close(j.done)
}
