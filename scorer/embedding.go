package scorer

import (
	"strconv"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/feature"
)

// EmbeddingTable 是物品嵌入表：按 Ref 版本化，由训练管线产出并整表替换。
type EmbeddingTable interface {
	// Ref 返回嵌入表的版本化引用（与 ModelVariant.EmbeddingRef 对应）
	Ref() string

	// Embed 返回物品嵌入向量；未收录的物品返回哈希伪嵌入兜底
	Embed(itemID string) core.FeatureVector
}

// HashedTable 是无训练产物时的兜底嵌入表：
// 每一维由物品 ID 加维度下标哈希得出，确定且可复现。
type HashedTable struct {
	Dim int
}

// NewHashedTable 创建哈希伪嵌入表。
func NewHashedTable(dim int) *HashedTable {
	if dim <= 0 {
		dim = core.DefaultFeatureDim
	}
	return &HashedTable{Dim: dim}
}

func (t *HashedTable) Ref() string { return "hashed-v0" }

func (t *HashedTable) Embed(itemID string) core.FeatureVector {
	vec := make(core.FeatureVector, t.Dim)
	for i := range vec {
		vec[i] = feature.HashEmbed(itemID + "#" + strconv.Itoa(i))
	}
	return vec
}

// StaticTable 是训练产出的嵌入表快照：加载后只读，缺失物品降级到哈希兜底。
type StaticTable struct {
	ref      string
	vectors  map[string]core.FeatureVector
	fallback *HashedTable
}

// NewStaticTable 从训练产物创建嵌入表。
func NewStaticTable(ref string, dim int, vectors map[string]core.FeatureVector) *StaticTable {
	return &StaticTable{
		ref:      ref,
		vectors:  vectors,
		fallback: NewHashedTable(dim),
	}
}

func (t *StaticTable) Ref() string { return t.ref }

func (t *StaticTable) Embed(itemID string) core.FeatureVector {
	if vec, ok := t.vectors[itemID]; ok {
		return vec
	}
	return t.fallback.Embed(itemID)
}
