package feast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/scorer"
)

// DefaultTableCacheSize 嵌入缓存的默认容量。
const DefaultTableCacheSize = 4096

// Table 把 Feast 在线特征库包装成嵌入表。
//
// 拉取失败或特征缺失时退回哈希兜底向量，保证打分链路可用；
// 命中结果在进程内缓存，避免逐候选逐请求打 RPC。
type Table struct {
	fetcher  Fetcher
	ref      string
	timeout  time.Duration
	fallback scorer.EmbeddingTable
	logger   zerolog.Logger

	mu       sync.RWMutex
	cache    map[string]core.FeatureVector
	maxCache int
}

// TableOption 配置 Table。
type TableOption func(*Table)

// WithTableTimeout 设置单次拉取超时。
func WithTableTimeout(d time.Duration) TableOption {
	return func(t *Table) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithTableCacheSize 设置嵌入缓存容量。
func WithTableCacheSize(n int) TableOption {
	return func(t *Table) {
		if n > 0 {
			t.maxCache = n
		}
	}
}

// WithTableLogger 设置日志器。
func WithTableLogger(logger zerolog.Logger) TableOption {
	return func(t *Table) { t.logger = logger }
}

// NewTable 创建 Feast 嵌入表。ref 是版本化引用，随每次物化递增。
func NewTable(fetcher Fetcher, ref string, dim int, opts ...TableOption) *Table {
	t := &Table{
		fetcher:  fetcher,
		ref:      ref,
		timeout:  DefaultTimeout,
		fallback: scorer.NewHashedTable(dim),
		logger:   zerolog.Nop(),
		cache:    make(map[string]core.FeatureVector),
		maxCache: DefaultTableCacheSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ref 实现 scorer.EmbeddingTable。
func (t *Table) Ref() string { return t.ref }

// Embed 实现 scorer.EmbeddingTable。
func (t *Table) Embed(itemID string) core.FeatureVector {
	t.mu.RLock()
	if vec, ok := t.cache[itemID]; ok {
		t.mu.RUnlock()
		return vec.Clone()
	}
	t.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	raw, err := t.fetcher.Fetch(ctx, itemID)
	if err != nil {
		t.logger.Warn().Err(err).Str("item_id", itemID).Msg("feast 拉取嵌入失败，使用哈希兜底")
		return t.fallback.Embed(itemID)
	}
	if len(raw) == 0 {
		return t.fallback.Embed(itemID)
	}

	vec := core.FeatureVector(raw)
	t.store(itemID, vec)
	return vec.Clone()
}

func (t *Table) store(itemID string, vec core.FeatureVector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.cache) >= t.maxCache {
		// 随机淘汰一个，拉取侧会自然回填热门物品
		for k := range t.cache {
			delete(t.cache, k)
			break
		}
	}
	t.cache[itemID] = vec
}

// Invalidate 清空缓存。新一版嵌入物化后调用，强制回源。
func (t *Table) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[string]core.FeatureVector)
}

var _ scorer.EmbeddingTable = (*Table)(nil)
