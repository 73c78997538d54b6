package feature

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rushteam/onlinerec/core"
)

// 特征向量布局（固定维度，默认 50）：
//
//	0..6   各事件类型计数（归一化，饱和到 1.0）
//	7      活跃度（总交互次数归一化）
//	8      多样性 = 去重物品数 / 总交互次数
//	9      参与度 = (like + purchase) / 总交互次数
//	10     新近度 = exp(-Δt / half_life)
//	11     活跃时间跨度（周，饱和到 1.0）
//	12..16 最近 5 个物品的哈希伪嵌入
//	17..19 Top3 类目偏好占比
//	20..   预留，零填充
const (
	idxCountBase = 0
	idxActivity  = 7
	idxDiversity = 8
	idxEngage    = 9
	idxRecency   = 10
	idxSpan      = 11
	idxEmbedBase = 12
	idxCateBase  = 17
	embedSlots   = 5
	cateSlots    = 3
)

// countLayout 固定了计数维度的顺序与归一化分母，保证派生确定性。
var countLayout = []struct {
	typ  core.EventType
	norm float64
}{
	{core.EventView, 100},
	{core.EventClick, 100},
	{core.EventLike, 50},
	{core.EventDislike, 50},
	{core.EventPurchase, 50},
	{core.EventShare, 50},
	{core.EventRating, 50},
}

// Computer 把 UserState 派生为定长 FeatureVector。
//
// Compute 是纯函数：给定相同的 UserState 与 now，输出逐位相同。
// 新近度相关维度依赖墙钟时间，由调用方显式传入 now。
type Computer struct {
	// Dim 输出向量维度
	Dim int

	// HalfLife 新近度衰减的半衰期
	HalfLife time.Duration
}

// NewComputer 创建特征派生器，dim<=0 时使用 core.DefaultFeatureDim。
func NewComputer(dim int, halfLife time.Duration) *Computer {
	if dim <= 0 {
		dim = core.DefaultFeatureDim
	}
	if halfLife <= 0 {
		halfLife = time.Hour
	}
	return &Computer{Dim: dim, HalfLife: halfLife}
}

// Compute 从用户状态派生特征向量。state 为 nil 时返回零向量（冷启动）。
func (c *Computer) Compute(state *core.UserState, now time.Time) core.FeatureVector {
	vec := make(core.FeatureVector, c.Dim)
	if state == nil {
		return vec
	}

	total := float64(state.TotalInteractions())

	for i, slot := range countLayout {
		if idxCountBase+i >= c.Dim {
			break
		}
		vec[idxCountBase+i] = saturate(float64(state.Counts[slot.typ]) / slot.norm)
	}

	c.put(vec, idxActivity, saturate(total/100))

	if total > 0 {
		c.put(vec, idxDiversity, float64(len(state.DistinctItems))/total)
		engaged := float64(state.Counts[core.EventLike] + state.Counts[core.EventPurchase])
		c.put(vec, idxEngage, engaged/total)
	}

	if !state.LastSeen.IsZero() {
		dt := now.Sub(state.LastSeen)
		if dt < 0 {
			dt = 0
		}
		c.put(vec, idxRecency, math.Exp(-dt.Seconds()/c.HalfLife.Seconds()))
	}

	if !state.FirstSeen.IsZero() && !state.LastSeen.IsZero() {
		span := state.LastSeen.Sub(state.FirstSeen)
		c.put(vec, idxSpan, saturate(span.Hours()/(7*24)))
	}

	c.fillRecentEmbeddings(vec, state)
	c.fillCategoryShares(vec, state, total)

	return vec
}

// fillRecentEmbeddings 写入最近物品的哈希伪嵌入。
//
// 这是一条显式的 fallback-only 路径：没有训练好的物品嵌入时，用物品 ID 的
// FNV 哈希占位。学习到的嵌入表可以在 Scorer 侧替换，不影响此处的派生接口。
func (c *Computer) fillRecentEmbeddings(vec core.FeatureVector, state *core.UserState) {
	recent := state.RecentItems
	if len(recent) > embedSlots {
		recent = recent[len(recent)-embedSlots:]
	}
	for i, itemID := range recent {
		c.put(vec, idxEmbedBase+i, HashEmbed(itemID))
	}
}

// fillCategoryShares 写入 Top3 类目占比。类目取物品 ID 的 '_' 前缀。
func (c *Computer) fillCategoryShares(vec core.FeatureVector, state *core.UserState, total float64) {
	if total <= 0 {
		return
	}
	counts := make(map[string]int)
	for itemID := range state.DistinctItems {
		counts[ItemCategory(itemID)]++
	}

	type cate struct {
		name string
		n    int
	}
	cates := make([]cate, 0, len(counts))
	for name, n := range counts {
		cates = append(cates, cate{name, n})
	}
	sort.Slice(cates, func(i, j int) bool {
		if cates[i].n != cates[j].n {
			return cates[i].n > cates[j].n
		}
		return cates[i].name < cates[j].name
	})

	for i := 0; i < cateSlots && i < len(cates); i++ {
		c.put(vec, idxCateBase+i, float64(cates[i].n)/total)
	}
}

func (c *Computer) put(vec core.FeatureVector, idx int, v float64) {
	if idx < c.Dim {
		vec[idx] = v
	}
}

func saturate(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// HashEmbed 将物品 ID 映射到 [0,1) 的确定性标量（FNV-1a）。
func HashEmbed(itemID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(itemID))
	return float64(h.Sum32()%1000000) / 1000000.0
}

// ItemCategory 取物品 ID 的类目前缀；无 '_' 分隔时归入 "unknown"。
func ItemCategory(itemID string) string {
	if i := strings.Index(itemID, "_"); i > 0 {
		return itemID[:i]
	}
	return "unknown"
}
