package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Set("key", 42)
	got, ok := c.Get("key")
	if !ok || got != 42 {
		t.Fatalf("Get = %v, %v; want 42, true", got, ok)
	}
}

func TestGetMissing(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	if _, ok := c.Get("absent"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestExpiry(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.SetWithTTL("short", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestDelete(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Set("key", 1)
	c.Delete("key")
	if _, ok := c.Get("key"); ok {
		t.Fatal("expected deleted key to miss")
	}
}

func TestGetOrSetFillsOnce(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	calls := 0
	fill := func(context.Context) (interface{}, error) {
		calls++
		return "computed", nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrSet(context.Background(), "key", fill)
		if err != nil {
			t.Fatal(err)
		}
		if got != "computed" {
			t.Fatalf("GetOrSet = %v", got)
		}
	}
	if calls != 1 {
		t.Fatalf("fill called %d times, want 1", calls)
	}
}

func TestGetOrSetErrorNotCached(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	wantErr := errors.New("fill failed")
	_, err := c.GetOrSet(context.Background(), "key", func(context.Context) (interface{}, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if _, ok := c.Get("key"); ok {
		t.Fatal("error result must not be cached")
	}
}
