package filter

import (
	"context"

	"github.com/rushteam/onlinerec/core"
)

// 黑名单集合在 KV 存储中的 key。
const blacklistSetKey = "blacklist:items"

// BlacklistFilter 是黑名单过滤器，过滤掉黑名单中的物品。
// 内存列表与 KV 存储集合可同时生效，任一命中即过滤。
type BlacklistFilter struct {
	// ItemIDs 是内存中的黑名单物品 ID 列表
	ItemIDs []string

	// Store 用于从存储集合读取黑名单（可选）
	Store core.KeyValueStore
}

// NewBlacklistFilter 创建一个黑名单过滤器。
func NewBlacklistFilter(itemIDs []string, store core.KeyValueStore) *BlacklistFilter {
	return &BlacklistFilter{ItemIDs: itemIDs, Store: store}
}

func (f *BlacklistFilter) Name() string {
	return "filter.blacklist"
}

func (f *BlacklistFilter) ShouldFilter(
	ctx context.Context,
	_ *core.RecommendContext,
	item *core.Item,
) (bool, error) {
	if item == nil {
		return true, nil
	}

	for _, id := range f.ItemIDs {
		if item.ID == id {
			return true, nil
		}
	}

	if f.Store != nil {
		blacklist, err := f.Store.SMembers(ctx, blacklistSetKey)
		if err == nil {
			for _, id := range blacklist {
				if item.ID == id {
					return true, nil
				}
			}
		}
	}

	return false, nil
}
