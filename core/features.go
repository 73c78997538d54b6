package core

import "context"

// DefaultFeatureDim 是派生特征向量的默认维度。
const DefaultFeatureDim = 50

// FeatureVector 是定长的用户行为特征向量，由 UserState 派生，
// 不独立存储（缓存除外），随时可重新推导。
type FeatureVector []float64

// Clone 返回向量拷贝。
func (v FeatureVector) Clone() FeatureVector {
	return append(FeatureVector(nil), v...)
}

// Features 是特征查询结果：向量 + 冷启动标记。
// ColdStart = true 表示该用户没有任何交互历史，调用方应使用热门兜底。
type Features struct {
	UserID    string
	Vector    FeatureVector
	ColdStart bool
}

// FeatureBackend 是特征存储后端的能力接口。
//
// 设计原则（替代运行时类型判断的 mock/fallback 对象）：
//   - 显式接口：get / put / users 三个能力
//   - 实现选择由构造时的配置决定，而非运行时类型检查
//   - feature.Store 在其上叠加分片内存状态、缓存与异步回写
//
// 实现：
//   - store.MemoryStore / store.RedisStore 通过 feature.StoreBackend 适配
type FeatureBackend interface {
	// Name 返回后端名称（用于日志/监控）
	Name() string

	// GetState 读取序列化的用户状态；不存在时返回 ErrStoreNotFound
	GetState(ctx context.Context, userID string) ([]byte, error)

	// PutState 写入序列化的用户状态
	PutState(ctx context.Context, userID string, data []byte) error

	// Users 返回已知用户 ID（用于聚合快照采样；可返回部分样本）
	Users(ctx context.Context, limit int) ([]string, error)

	// Close 释放资源
	Close() error
}

// AggregateSnapshot 是特征分布的聚合快照：每个维度一列样本值。
// Drift Detector 用它与参考分布做逐维两样本检验。
type AggregateSnapshot struct {
	// Dims[i] 是第 i 维在采样用户上的取值
	Dims [][]float64

	// SampleSize 是参与采样的用户数
	SampleSize int
}
