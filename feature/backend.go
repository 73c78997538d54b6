package feature

import (
	"context"
	"strings"

	"github.com/rushteam/onlinerec/core"
)

const userStateKeyPrefix = "user:"
const userStateKeySuffix = ":state"

func userStateKey(userID string) string {
	return userStateKeyPrefix + userID + userStateKeySuffix
}

// StoreBackend 把通用 core.Store 适配为特征后端。
// MemoryStore 与 RedisStore 都通过这一层接入 feature.Store。
type StoreBackend struct {
	store core.Store
}

// NewStoreBackend 创建基于 KV 存储的特征后端。
func NewStoreBackend(store core.Store) *StoreBackend {
	return &StoreBackend{store: store}
}

var _ core.FeatureBackend = (*StoreBackend)(nil)

// Name 返回后端名称。
func (b *StoreBackend) Name() string {
	return "store/" + b.store.Name()
}

// GetState 读取序列化的用户状态。
func (b *StoreBackend) GetState(ctx context.Context, userID string) ([]byte, error) {
	return b.store.Get(ctx, userStateKey(userID))
}

// PutState 写入序列化的用户状态。
func (b *StoreBackend) PutState(ctx context.Context, userID string, data []byte) error {
	return b.store.Set(ctx, userStateKey(userID), data)
}

// Users 返回已持久化的用户 ID 样本。
func (b *StoreBackend) Users(ctx context.Context, limit int) ([]string, error) {
	keys, err := b.store.Keys(ctx, userStateKeyPrefix, limit)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(k, userStateKeyPrefix), userStateKeySuffix)
		if id != "" {
			users = append(users, id)
		}
	}
	return users, nil
}

// Close 关闭底层存储。
func (b *StoreBackend) Close() error {
	return b.store.Close()
}
