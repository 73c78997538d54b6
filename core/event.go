package core

import "time"

// EventType 是交互事件类型。
type EventType string

const (
	EventView     EventType = "view"     // 浏览
	EventClick    EventType = "click"    // 点击
	EventLike     EventType = "like"     // 点赞
	EventDislike  EventType = "dislike"  // 不喜欢
	EventPurchase EventType = "purchase" // 购买
	EventShare    EventType = "share"    // 分享
	EventRating   EventType = "rating"   // 评分（Value 携带分值）
)

// InteractionEvent 是一次用户-物品交互事件，由外部 API 层产生，创建后不可变。
// Feature Store 与 Online Learning Buffer 各消费一次。
//
// EventID 用于幂等去重：同一事件重试投递时不会被重复计数。
type InteractionEvent struct {
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	ItemID    string    `json:"item_id"`
	Type      EventType `json:"event_type"`
	Value     float64   `json:"value,omitempty"` // 可选：评分值、购买金额等
	Timestamp time.Time `json:"timestamp"`
}

// ImplicitScore 将事件类型转为隐式反馈分数，用于在线学习的样本标签。
// rating 事件使用归一化后的 Value（5 分制）。
func (e *InteractionEvent) ImplicitScore() float64 {
	switch e.Type {
	case EventPurchase:
		return 1.0
	case EventLike:
		return 0.8
	case EventClick:
		return 0.6
	case EventShare:
		return 0.6
	case EventView:
		return 0.3
	case EventDislike:
		return -0.5
	case EventRating:
		if e.Value > 0 {
			return e.Value / 5.0
		}
		return 0
	default:
		return 0
	}
}

// IsPositive 判断事件是否为正反馈（用于转化统计与 engagement 计算）。
func (e *InteractionEvent) IsPositive() bool {
	return e.ImplicitScore() > 0.5
}
