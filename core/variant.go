package core

import (
	"sync/atomic"
	"time"
)

// Weights 是某一版本的打分权重快照，发布后不可变。
// 读方（Scorer）永远看到完整版本，写方（learner）以整体替换方式发布新版本。
type Weights struct {
	Version int64     `json:"version"`
	Bias    float64   `json:"bias"`
	W       []float64 `json:"w"`
}

// Clone 返回权重快照的深拷贝（用于 checkpoint 与梯度计算的工作副本）。
func (w *Weights) Clone() *Weights {
	return &Weights{
		Version: w.Version,
		Bias:    w.Bias,
		W:       append([]float64(nil), w.W...),
	}
}

// ModelVariant 是一个参与实验的打分模型配置：嵌入表引用 + 权重向量 + 融合系数。
//
// 并发模型：
//   - 身份字段（ID/EmbeddingRef/融合系数）创建后不可变
//   - 权重通过 atomic 指针实现 copy-on-write：更新中的权重绝不会被读到一半
//   - 权重只允许 Online Learning Buffer 在持有更新锁时替换
type ModelVariant struct {
	ID           string    `json:"variant_id"`
	EmbeddingRef string    `json:"embedding_table_ref"` // 版本化嵌入表引用，由训练管线产出
	CreatedAt    time.Time `json:"created_at"`

	// 打分融合系数：score = SimilarityWeight*sim + LinearWeight*(w·x + bias)
	SimilarityWeight float64 `json:"similarity_weight"`
	LinearWeight     float64 `json:"linear_weight"`

	weights atomic.Pointer[Weights]
}

// NewModelVariant 创建变体并发布初始权重（维度 dim，零初始化）。
func NewModelVariant(id, embeddingRef string, dim int) *ModelVariant {
	v := &ModelVariant{
		ID:               id,
		EmbeddingRef:     embeddingRef,
		CreatedAt:        time.Now(),
		SimilarityWeight: 0.5,
		LinearWeight:     0.5,
	}
	v.weights.Store(&Weights{Version: 1, W: make([]float64, dim)})
	return v
}

// Weights 返回当前权重快照（不可变，调用方不得修改）。
func (v *ModelVariant) Weights() *Weights {
	return v.weights.Load()
}

// PublishWeights 原子发布一个新的权重版本。
// 约定：仅 learner 的更新路径调用；发布的快照之后不得再被修改。
func (v *ModelVariant) PublishWeights(w *Weights) {
	v.weights.Store(w)
}
