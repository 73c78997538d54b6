// Package feature 实现特征存储：用户行为状态的接入、派生与查询。
//
// 架构分层：
//   - core.UserState 是单一事实来源，按用户分片持有在内存
//   - Computer 从状态纯函数派生定长特征向量
//   - core.FeatureBackend 负责持久化（内存/Redis，经 StoreBackend 适配）
//   - vectorCache 提供短 TTL 读缓存，写路径失效保证 read-your-writes
//   - 回写走有界异步队列：队列满丢最旧，持久化失败限速重试
package feature

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rushteam/onlinerec/core"
)

const (
	shardCount = 64

	// DefaultCacheTTL 是特征向量缓存的默认有效期。
	DefaultCacheTTL = time.Minute

	// DefaultCacheSize 是特征向量缓存的默认容量。
	DefaultCacheSize = 10000

	// DefaultWriteQueueSize 是异步回写队列容量，满则丢弃最旧任务。
	DefaultWriteQueueSize = 1024

	// defaultWriteRate 是回写限速（次/秒），保护后端。
	defaultWriteRate = 200

	maxWriteAttempts = 5
)

// popularityKey 是热门物品有序集合的 key。
const popularityKey = "popular:items"

type shard struct {
	mu     sync.Mutex
	states map[string]*core.UserState
}

// Store 是特征存储的并发门面。
//
// 并发约定：
//   - 同一用户的写入串行（分片锁），不同用户完全并发
//   - 读路径在锁内 Clone 状态，计算在锁外进行
//   - 回写异步且可丢弃：持久化层宕机不阻塞写路径
type Store struct {
	backend  core.FeatureBackend
	computer *Computer
	cache    *vectorCache
	logger   zerolog.Logger

	shards [shardCount]*shard

	// popular 是可选的热门榜单存储（正反馈事件累积热度）
	popular core.KeyValueStore

	// 回写队列：只入队 userID，持久化时取最新状态（天然合并重复任务）
	writeCh   chan writeTask
	pendingMu sync.Mutex
	pending   map[string]struct{}
	limiter   *rate.Limiter

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type writeTask struct {
	userID  string
	attempt int
}

// Option 是 Store 的构造选项。
type Option func(*Store)

// WithComputer 指定特征派生器。
func WithComputer(c *Computer) Option {
	return func(s *Store) { s.computer = c }
}

// WithCache 指定向量缓存容量与 TTL。
func WithCache(size int, ttl time.Duration) Option {
	return func(s *Store) { s.cache = newVectorCache(size, ttl) }
}

// WithLogger 指定日志器。
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithPopularity 挂接热门榜单存储：正反馈事件按隐式分数累积热度。
func WithPopularity(kv core.KeyValueStore) Option {
	return func(s *Store) { s.popular = kv }
}

// WithWriteQueue 指定回写队列容量。
func WithWriteQueue(size int) Option {
	return func(s *Store) { s.writeCh = make(chan writeTask, size) }
}

// NewStore 创建特征存储并启动回写 worker。
func NewStore(backend core.FeatureBackend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  zerolog.Nop(),
		pending: make(map[string]struct{}),
		limiter: rate.NewLimiter(rate.Limit(defaultWriteRate), defaultWriteRate),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{states: make(map[string]*core.UserState)}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.computer == nil {
		s.computer = NewComputer(core.DefaultFeatureDim, 0)
	}
	if s.cache == nil {
		s.cache = newVectorCache(DefaultCacheSize, DefaultCacheTTL)
	}
	if s.writeCh == nil {
		s.writeCh = make(chan writeTask, DefaultWriteQueueSize)
	}

	go s.writeLoop()
	return s
}

func (s *Store) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return s.shards[h.Sum32()%shardCount]
}

// RecordInteraction 接入一条交互事件。
// 返回 false 表示事件 ID 重复（幂等去重），状态未变更。
//
// 路径顺序保证 read-your-writes：状态变更 → 缓存失效 → 回写入队 → 返回。
func (s *Store) RecordInteraction(ctx context.Context, ev *core.InteractionEvent) (bool, error) {
	if ev == nil || ev.UserID == "" || ev.ItemID == "" {
		return false, core.NewDomainError(core.ModuleFeature, core.ErrorCodeInvalidInput, "feature: event requires user_id and item_id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	sh := s.shardFor(ev.UserID)
	sh.mu.Lock()
	state, ok := sh.states[ev.UserID]
	if !ok {
		state = s.loadStateLocked(ctx, ev.UserID)
		sh.states[ev.UserID] = state
	}
	applied := state.Apply(ev)
	sh.mu.Unlock()

	if !applied {
		recordDedup()
		return false, nil
	}

	recordEvent(string(ev.Type))
	s.cache.Invalidate(ev.UserID)
	s.enqueueWrite(ev.UserID, 0)

	if s.popular != nil && ev.IsPositive() {
		if err := s.popular.ZIncrBy(ctx, popularityKey, ev.ImplicitScore(), ev.ItemID); err != nil {
			s.logger.Warn().Err(err).Str("item", ev.ItemID).Msg("popularity update failed")
		}
	}
	return true, nil
}

// loadStateLocked 从后端加载用户状态；不存在或后端故障时返回全新状态。
// 调用方持有分片锁。
func (s *Store) loadStateLocked(ctx context.Context, userID string) *core.UserState {
	data, err := s.backend.GetState(ctx, userID)
	if err != nil {
		if !core.IsStoreNotFound(err) {
			recordBackendError("get")
			s.logger.Warn().Err(err).Str("user", userID).Msg("backend read failed, starting fresh state")
		}
		return core.NewUserState(userID)
	}
	state, err := decodeState(data)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("corrupt state record, starting fresh state")
		return core.NewUserState(userID)
	}
	return state
}

// Features 返回用户特征：缓存 → 内存状态 → 后端加载 → 冷启动，逐级降级。
//
// 后端故障时优先返回过期缓存（陈旧优于缺失），否则返回冷启动特征，永不失败。
func (s *Store) Features(ctx context.Context, userID string) (*core.Features, error) {
	if userID == "" {
		return nil, core.NewDomainError(core.ModuleFeature, core.ErrorCodeInvalidInput, "feature: user_id required")
	}

	if vec, ok := s.cache.Get(userID); ok {
		recordCacheHit()
		return &core.Features{UserID: userID, Vector: vec}, nil
	}
	recordCacheMiss()

	// 取号在快照之前：快照后发生的写会推进代数，使下面的回填失效
	gen := s.cache.Generation(userID)
	state, loaded, degraded := s.snapshotState(ctx, userID)
	if degraded {
		if stale, ok := s.cache.GetStale(userID); ok {
			recordStaleServe()
			s.logger.Warn().Str("user", userID).Msg("backend unavailable, serving stale cached vector")
			return &core.Features{UserID: userID, Vector: stale}, nil
		}
	}
	if !loaded || state.TotalInteractions() == 0 {
		return &core.Features{
			UserID:    userID,
			Vector:    make(core.FeatureVector, s.computer.Dim),
			ColdStart: true,
		}, nil
	}

	vec := s.computer.Compute(state, time.Now())
	s.cache.Set(userID, vec, gen)
	return &core.Features{UserID: userID, Vector: vec}, nil
}

// snapshotState 取用户状态快照。
// loaded=false 表示该用户无任何状态；degraded=true 表示后端读失败。
func (s *Store) snapshotState(ctx context.Context, userID string) (state *core.UserState, loaded, degraded bool) {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	if st, ok := sh.states[userID]; ok {
		cp := st.Clone()
		sh.mu.Unlock()
		return cp, true, false
	}
	sh.mu.Unlock()

	data, err := s.backend.GetState(ctx, userID)
	if err != nil {
		if core.IsStoreNotFound(err) {
			return nil, false, false
		}
		recordBackendError("get")
		return nil, false, true
	}
	st, err := decodeState(data)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("corrupt state record")
		return nil, false, false
	}

	sh.mu.Lock()
	if cur, ok := sh.states[userID]; ok {
		// 并发加载竞争：以先入内存的为准
		st = cur
	} else {
		sh.states[userID] = st
	}
	cp := st.Clone()
	sh.mu.Unlock()
	return cp, true, false
}

// SeenItems 返回用户交互过的全部物品（去重），用于候选过滤。
func (s *Store) SeenItems(ctx context.Context, userID string) []string {
	state, loaded, _ := s.snapshotState(ctx, userID)
	if !loaded {
		return nil
	}
	return state.DistinctItemList()
}

// AggregateSnapshot 对最多 limit 个用户采样特征向量，按维度聚合。
// 样本优先取内存驻留用户，不足时补充后端持久化用户。
func (s *Store) AggregateSnapshot(ctx context.Context, limit int) (*core.AggregateSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}

	seen := make(map[string]struct{}, limit)
	userIDs := make([]string, 0, limit)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id := range sh.states {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			userIDs = append(userIDs, id)
			if len(userIDs) >= limit {
				sh.mu.Unlock()
				goto sample
			}
		}
		sh.mu.Unlock()
	}

	if len(userIDs) < limit {
		persisted, err := s.backend.Users(ctx, limit)
		if err != nil {
			recordBackendError("users")
			s.logger.Warn().Err(err).Msg("backend user listing failed, sampling memory only")
		}
		for _, id := range persisted {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			userIDs = append(userIDs, id)
			if len(userIDs) >= limit {
				break
			}
		}
	}

sample:
	snap := &core.AggregateSnapshot{
		Dims: make([][]float64, s.computer.Dim),
	}
	now := time.Now()
	for _, id := range userIDs {
		state, loaded, _ := s.snapshotState(ctx, id)
		if !loaded || state.TotalInteractions() == 0 {
			continue
		}
		vec := s.computer.Compute(state, now)
		for i, v := range vec {
			snap.Dims[i] = append(snap.Dims[i], v)
		}
		snap.SampleSize++
	}
	return snap, nil
}

// enqueueWrite 非阻塞入队回写任务：同用户任务合并，队列满丢最旧。
func (s *Store) enqueueWrite(userID string, attempt int) {
	s.pendingMu.Lock()
	if _, dup := s.pending[userID]; dup && attempt == 0 {
		s.pendingMu.Unlock()
		return
	}
	s.pending[userID] = struct{}{}
	s.pendingMu.Unlock()

	task := writeTask{userID: userID, attempt: attempt}
	for {
		select {
		case s.writeCh <- task:
			return
		default:
		}
		select {
		case dropped := <-s.writeCh:
			recordWriteDropped()
			s.logger.Warn().Str("user", dropped.userID).Msg("write queue full, dropping oldest task")
			s.pendingMu.Lock()
			delete(s.pending, dropped.userID)
			s.pendingMu.Unlock()
		default:
		}
	}
}

// writeLoop 是回写 worker：限速持久化，失败指数退避重试。
func (s *Store) writeLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			s.drainWrites()
			return
		case task := <-s.writeCh:
			_ = s.limiter.Wait(context.Background())
			s.persist(task)
		}
	}
}

func (s *Store) persist(task writeTask) {
	s.pendingMu.Lock()
	delete(s.pending, task.userID)
	s.pendingMu.Unlock()

	sh := s.shardFor(task.userID)
	sh.mu.Lock()
	state, ok := sh.states[task.userID]
	if !ok {
		sh.mu.Unlock()
		return
	}
	data, err := encodeState(state)
	sh.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Str("user", task.userID).Msg("state encode failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err = s.backend.PutState(ctx, task.userID, data)
	cancel()
	if err == nil {
		return
	}

	recordBackendError("put")
	if task.attempt+1 >= maxWriteAttempts {
		s.logger.Error().Err(err).Str("user", task.userID).Int("attempts", maxWriteAttempts).
			Msg("state persist abandoned")
		return
	}
	s.logger.Warn().Err(err).Str("user", task.userID).Int("attempt", task.attempt+1).
		Msg("state persist failed, will retry")
	time.Sleep(time.Duration(task.attempt+1) * 100 * time.Millisecond)
	s.enqueueWrite(task.userID, task.attempt+1)
}

// drainWrites 在关闭时同步刷掉队列中剩余任务。
func (s *Store) drainWrites() {
	for {
		select {
		case task := <-s.writeCh:
			s.persist(writeTask{userID: task.userID, attempt: maxWriteAttempts - 1})
		default:
			return
		}
	}
}

// Close 停止回写 worker、刷掉待写状态并关闭后端。
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
	return s.backend.Close()
}
