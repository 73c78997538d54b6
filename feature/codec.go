package feature

import (
	"encoding/json"
	"time"

	"github.com/rushteam/onlinerec/core"
)

// stateRecord 是 UserState 的持久化形态。
// UserState 内部的去重集合与已见事件 ID 不参与其 JSON 序列化，
// 这里显式展开成可回放的字段。
type stateRecord struct {
	UserID         string                    `json:"user_id"`
	Counts         map[core.EventType]int64  `json:"counts"`
	RecentItems    []string                  `json:"recent_items"`
	DistinctItems  []string                  `json:"distinct_items"`
	RecentEventIDs []string                  `json:"recent_event_ids"`
	FirstSeen      time.Time                 `json:"first_seen"`
	LastSeen       time.Time                 `json:"last_seen"`
}

func encodeState(s *core.UserState) ([]byte, error) {
	rec := stateRecord{
		UserID:         s.UserID,
		Counts:         s.Counts,
		RecentItems:    s.RecentItems,
		DistinctItems:  s.DistinctItemList(),
		RecentEventIDs: s.RecentEventIDList(),
		FirstSeen:      s.FirstSeen,
		LastSeen:       s.LastSeen,
	}
	return json.Marshal(rec)
}

func decodeState(data []byte) (*core.UserState, error) {
	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	s := core.NewUserState(rec.UserID)
	for et, n := range rec.Counts {
		s.Counts[et] = n
	}
	s.RecentItems = append(s.RecentItems[:0], rec.RecentItems...)
	s.RestoreDistinctItems(rec.DistinctItems)
	s.RestoreEventIDs(rec.RecentEventIDs)
	s.FirstSeen = rec.FirstSeen
	s.LastSeen = rec.LastSeen
	return s, nil
}
