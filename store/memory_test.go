package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k1")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "short", []byte("x"), 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Get(ctx, "short"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	// 过期判断发生在读路径，不依赖后台清理节奏
	s.mu.Lock()
	past := time.Now().Add(-time.Second)
	s.data["short"].ttl = &past
	s.mu.Unlock()

	if _, err := s.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after expiry = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreBatch(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	kvs := map[string][]byte{
		"user:a:state": []byte("a"),
		"user:b:state": []byte("b"),
	}
	if err := s.BatchSet(ctx, kvs); err != nil {
		t.Fatalf("BatchSet: %v", err)
	}

	got, err := s.BatchGet(ctx, []string{"user:a:state", "user:b:state", "user:c:state"})
	if err != nil {
		t.Fatalf("BatchGet: %v", err)
	}
	if len(got) != 2 || string(got["user:a:state"]) != "a" {
		t.Fatalf("BatchGet = %v", got)
	}

	keys, err := s.Keys(ctx, "user:", 10)
	if err != nil || len(keys) != 2 {
		t.Fatalf("Keys = %v, %v", keys, err)
	}
}

func TestMemoryStoreZSet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.ZAdd(ctx, "popular:items", 3, "item_c"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	_ = s.ZIncrBy(ctx, "popular:items", 5, "item_a")
	_ = s.ZIncrBy(ctx, "popular:items", 4, "item_b")
	_ = s.ZIncrBy(ctx, "popular:items", 1, "item_a")

	members, err := s.ZRange(ctx, "popular:items", 0, 1)
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	if len(members) != 2 || members[0] != "item_a" || members[1] != "item_b" {
		t.Fatalf("ZRange = %v, want [item_a item_b]", members)
	}

	all, _ := s.ZRange(ctx, "popular:items", 0, 100)
	if len(all) != 3 {
		t.Fatalf("ZRange over-range = %v", all)
	}
	if none, _ := s.ZRange(ctx, "no-such-key", 0, 10); none != nil {
		t.Fatalf("ZRange missing key = %v, want nil", none)
	}
}

func TestMemoryStoreSet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.SAdd(ctx, "catalog:items", "a", "b", "a"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	members, err := s.SMembers(ctx, "catalog:items")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("SMembers = %v, want 2 distinct members", members)
	}
}
