package core

import "context"

// Store 是存储的领域接口。
//
// 设计原则：
//   - 定义在领域层（core），由基础设施层（store）实现
//   - 遵循依赖倒置原则：领域层定义接口，基础设施层实现接口
//
// 使用场景：
//   - 用户状态持久化（feature.StoreBackend 适配为 FeatureBackend）
//   - 热门物品榜单（zset，冷启动兜底排序）
//   - 已曝光/已交互列表（seen 过滤）
//
// 实现：
//   - store.MemoryStore 实现此接口（开发/测试）
//   - store.RedisStore 实现此接口（生产）
type Store interface {
	// Name 返回存储后端名称（用于日志/监控）
	Name() string

	// Get 读取单个 key 的值
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 写入单个 key-value，ttl 单位秒（0 表示不过期）
	Set(ctx context.Context, key string, value []byte, ttl ...int) error

	// Delete 删除单个 key
	Delete(ctx context.Context, key string) error

	// BatchGet 批量读取（减少网络往返）
	BatchGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// BatchSet 批量写入
	BatchSet(ctx context.Context, kvs map[string][]byte, ttl ...int) error

	// Keys 返回匹配前缀的 key（最多 limit 个，用于采样遍历）
	Keys(ctx context.Context, prefix string, limit int) ([]string, error)

	// Close 关闭连接/释放资源
	Close() error
}

// KeyValueStore 是 Store 的扩展接口，支持更丰富的 KV 操作。
//
// 扩展功能：
//   - 有序集合（SortedSet）：热门排序、时间线
//   - 集合（Set）：用户已交互物品
//
// 如果后端不支持某些操作，可返回 ErrStoreNotSupported。
type KeyValueStore interface {
	Store

	// ZAdd 向有序集合添加成员（热门排序）
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRange 按分数从高到低获取有序集合成员（TopN 热门）
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZIncrBy 对成员分数做增量（实时热度累积）
	ZIncrBy(ctx context.Context, key string, incr float64, member string) error

	// SAdd 向集合添加成员
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers 返回集合全部成员
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Store 错误定义（使用统一的 DomainError）
var (
	// ErrStoreNotFound 表示 key 不存在
	ErrStoreNotFound = NewDomainError(ModuleStore, ErrorCodeNotFound, "store: key not found")

	// ErrStoreNotSupported 表示操作不支持
	ErrStoreNotSupported = NewDomainError(ModuleStore, ErrorCodeNotSupported, "store: operation not supported")
)

// IsStoreNotFound 检查错误是否为 key 不存在
func IsStoreNotFound(err error) bool {
	domainErr := GetDomainError(err)
	return domainErr != nil && domainErr.Module == ModuleStore && domainErr.Code == ErrorCodeNotFound
}

// IsStoreNotSupported 检查错误是否为操作不支持
func IsStoreNotSupported(err error) bool {
	domainErr := GetDomainError(err)
	return domainErr != nil && domainErr.Module == ModuleStore && domainErr.Code == ErrorCodeNotSupported
}
