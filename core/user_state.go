package core

import "time"

// DefaultRecentItems 是 UserState 最近物品列表的默认容量。
const DefaultRecentItems = 20

// DefaultRecentEventIDs 是幂等去重用的最近事件 ID 集合容量。
const DefaultRecentEventIDs = 128

// UserState 是单个用户的行为统计聚合。
//
// 一句话定义：UserState = Feature Store 的"单一事实来源"，FeatureVector 由它派生。
//
// 所有权约束：
//   - UserState 由 Feature Store 独占持有，只能通过 RecordInteraction 路径变更
//   - 同一用户的更新串行化（按到达顺序），不同用户完全并发
//   - 永不删除，但天然有界：计数饱和、最近列表定容
type UserState struct {
	UserID string `json:"user_id"`

	// 各事件类型计数
	Counts map[EventType]int64 `json:"counts"`

	// 最近交互物品（按时间先后，容量 DefaultRecentItems，满则淘汰最旧）
	RecentItems []string `json:"recent_items"`

	// 去重后的交互物品集合（用于 diversity 特征与 seen 过滤）
	DistinctItems map[string]struct{} `json:"-"`

	// 元数据
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// recentEventIDs 是环形的最近事件 ID 集，用于重试幂等。
	recentEventIDs map[string]struct{}
	recentEventSeq []string
}

// NewUserState 创建一个新的用户状态。
func NewUserState(userID string) *UserState {
	return &UserState{
		UserID:         userID,
		Counts:         make(map[EventType]int64),
		RecentItems:    make([]string, 0, DefaultRecentItems),
		DistinctItems:  make(map[string]struct{}),
		recentEventIDs: make(map[string]struct{}, DefaultRecentEventIDs),
	}
}

// Apply 将事件应用到用户状态，返回 false 表示该事件 ID 已处理过（重复投递）。
// 调用方必须保证同一用户的 Apply 串行执行。
func (s *UserState) Apply(ev *InteractionEvent) bool {
	if ev.EventID != "" {
		if _, dup := s.recentEventIDs[ev.EventID]; dup {
			return false
		}
		s.rememberEventID(ev.EventID)
	}

	if s.FirstSeen.IsZero() {
		s.FirstSeen = ev.Timestamp
	}
	if ev.Timestamp.After(s.LastSeen) {
		s.LastSeen = ev.Timestamp
	}

	s.Counts[ev.Type]++
	s.DistinctItems[ev.ItemID] = struct{}{}
	s.pushRecent(ev.ItemID)
	return true
}

// TotalInteractions 返回全部交互次数。
func (s *UserState) TotalInteractions() int64 {
	var total int64
	for _, c := range s.Counts {
		total += c
	}
	return total
}

// pushRecent 追加最近物品并保持容量上限；重复物品移到最新位置。
func (s *UserState) pushRecent(itemID string) {
	for i, id := range s.RecentItems {
		if id == itemID {
			s.RecentItems = append(s.RecentItems[:i], s.RecentItems[i+1:]...)
			break
		}
	}
	s.RecentItems = append(s.RecentItems, itemID)
	if len(s.RecentItems) > DefaultRecentItems {
		s.RecentItems = s.RecentItems[len(s.RecentItems)-DefaultRecentItems:]
	}
}

func (s *UserState) rememberEventID(id string) {
	if s.recentEventIDs == nil {
		s.recentEventIDs = make(map[string]struct{}, DefaultRecentEventIDs)
	}
	s.recentEventIDs[id] = struct{}{}
	s.recentEventSeq = append(s.recentEventSeq, id)
	if len(s.recentEventSeq) > DefaultRecentEventIDs {
		oldest := s.recentEventSeq[0]
		s.recentEventSeq = s.recentEventSeq[1:]
		delete(s.recentEventIDs, oldest)
	}
}

// DistinctItemList 返回去重物品集合的切片形态（顺序不保证）。
func (s *UserState) DistinctItemList() []string {
	out := make([]string, 0, len(s.DistinctItems))
	for id := range s.DistinctItems {
		out = append(out, id)
	}
	return out
}

// RecentEventIDList 返回最近事件 ID 环（按记录顺序），用于持久化。
func (s *UserState) RecentEventIDList() []string {
	return append([]string(nil), s.recentEventSeq...)
}

// RestoreDistinctItems 从持久化记录还原去重集合。
func (s *UserState) RestoreDistinctItems(items []string) {
	if s.DistinctItems == nil {
		s.DistinctItems = make(map[string]struct{}, len(items))
	}
	for _, id := range items {
		s.DistinctItems[id] = struct{}{}
	}
}

// RestoreEventIDs 从持久化记录还原最近事件 ID 环。
func (s *UserState) RestoreEventIDs(ids []string) {
	for _, id := range ids {
		s.rememberEventID(id)
	}
}

// Clone 返回状态的深拷贝，供 Compute 在锁外安全使用。
func (s *UserState) Clone() *UserState {
	cp := &UserState{
		UserID:        s.UserID,
		Counts:        make(map[EventType]int64, len(s.Counts)),
		RecentItems:   append([]string(nil), s.RecentItems...),
		DistinctItems: make(map[string]struct{}, len(s.DistinctItems)),
		FirstSeen:     s.FirstSeen,
		LastSeen:      s.LastSeen,
	}
	for k, v := range s.Counts {
		cp.Counts[k] = v
	}
	for k := range s.DistinctItems {
		cp.DistinctItems[k] = struct{}{}
	}
	return cp
}
