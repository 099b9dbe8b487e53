package kvstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.Set(ctx, "k1", []byte("hello"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get = %q, want hello", got)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if err := s.Set(ctx, "k1", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	_, err := s.Get(ctx, "k1")
	if err == nil {
		t.Error("expected key to have expired")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	_ = s.Set(ctx, "k1", []byte("v"), 0)
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if exists, _ := s.Exists(ctx, "k1"); exists {
		t.Error("expected key to be gone after Delete")
	}
}

func TestMemoryStore_DeleteMissingIsNotError(t *testing.T) {
	s := NewMemoryStore(nil)
	if err := s.Delete(context.Background(), "nope"); err != nil {
		t.Errorf("Delete of missing key should not error, got %v", err)
	}
}

func TestMemoryStore_AcquireLock(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	token, ok, err := s.AcquireLock(ctx, "lock:BTCUSDT", time.Second)
	if err != nil || !ok || token == "" {
		t.Fatalf("expected first AcquireLock to succeed, got ok=%v token=%q err=%v", ok, token, err)
	}
	_, ok, err = s.AcquireLock(ctx, "lock:BTCUSDT", time.Second)
	if err != nil || ok {
		t.Fatalf("expected second AcquireLock to fail while held, got ok=%v err=%v", ok, err)
	}
	if err := s.ReleaseLock(ctx, "lock:BTCUSDT", token); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	_, ok, err = s.AcquireLock(ctx, "lock:BTCUSDT", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected AcquireLock to succeed after release, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_ReleaseLock_WrongTokenDoesNotRelease(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	if _, ok, err := s.AcquireLock(ctx, "lock:BTCUSDT", time.Second); err != nil || !ok {
		t.Fatalf("expected lock to be acquired, got ok=%v err=%v", ok, err)
	}
	if err := s.ReleaseLock(ctx, "lock:BTCUSDT", "not-the-real-token"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, ok, err := s.AcquireLock(ctx, "lock:BTCUSDT", time.Second); err != nil || ok {
		t.Fatalf("expected lock to still be held after a release with the wrong token, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_AcquireLock_ExpiresByTTL(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	_, ok, _ := s.AcquireLock(ctx, "lock:ETHUSDT", 10*time.Millisecond)
	if !ok {
		t.Fatal("expected initial lock to succeed")
	}
	time.Sleep(30 * time.Millisecond)
	_, ok, err := s.AcquireLock(ctx, "lock:ETHUSDT", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock to be acquirable after TTL expiry, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_ScanPrefix(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	_ = s.Set(ctx, "trade:1", []byte("a"), 0)
	_ = s.Set(ctx, "trade:2", []byte("b"), 0)
	_ = s.Set(ctx, "cooldown:BTCUSDT", []byte("1"), 0)

	keys, err := s.ScanPrefix(ctx, "trade:")
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("ScanPrefix(trade:) = %v, want 2 keys", keys)
	}
}

func TestMemoryStore_GetReturnsDefensiveCopy(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	_ = s.Set(ctx, "k1", []byte("hello"), 0)
	got, _ := s.Get(ctx, "k1")
	got[0] = 'X'
	got2, _ := s.Get(ctx, "k1")
	if string(got2) != "hello" {
		t.Error("mutating a Get result should not affect stored state")
	}
}
