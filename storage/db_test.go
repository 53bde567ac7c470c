package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestMemDBGetMissing(t *testing.T) {
	db := NewMemDB()
	if _, err := db.Get([]byte("absent")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemDBPutCopiesValue(t *testing.T) {
	db := NewMemDB()
	value := []byte("original")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'X'
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("stored value aliases caller buffer: %q", got)
	}
}

func TestMemDBIteratePrefixOrdered(t *testing.T) {
	db := NewMemDB()
	for _, i := range []int{3, 1, 2} {
		key := fmt.Sprintf("wd/%02d", i)
		if err := db.Put([]byte(key), []byte{byte(i)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := db.Put([]byte("other/1"), []byte{9}); err != nil {
		t.Fatalf("put: %v", err)
	}

	var visited []string
	err := db.IteratePrefix([]byte("wd/"), func(key, _ []byte) bool {
		visited = append(visited, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(visited) != 3 {
		t.Fatalf("expected 3 keys, got %v", visited)
	}
	if visited[0] != "wd/01" || visited[2] != "wd/03" {
		t.Fatalf("keys out of order: %v", visited)
	}
}

func TestMemDBIteratePrefixStops(t *testing.T) {
	db := NewMemDB()
	for i := 0; i < 5; i++ {
		if err := db.Put([]byte(fmt.Sprintf("n/%d", i)), nil); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	count := 0
	if err := db.IteratePrefix([]byte("n/"), func(_, _ []byte) bool {
		count++
		return count < 2
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected early stop after 2 keys, got %d", count)
	}
}

func TestMemDBDelete(t *testing.T) {
	db := NewMemDB()
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err := db.Has([]byte("k"))
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatal("key survived delete")
	}
}
