package settings

import (
	"testing"
)

func storesForTest(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := OpenBadger("", nil)
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	disk, err := OpenBadger(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = disk.Close() })

	return map[string]Store{
		"memory":        NewMemoryStore(),
		"badger_memory": mem,
		"badger_disk":   disk,
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	for name, s := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok := Float(s, "start"); ok {
				t.Fatalf("expected missing key")
			}
			if err := s.Set("start", 1700000000.5); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, ok := Float(s, "start")
			if !ok || got != 1700000000.5 {
				t.Fatalf("Float=%v,%v want 1700000000.5,true", got, ok)
			}

			if err := s.Set("name", "beacon"); err != nil {
				t.Fatalf("set: %v", err)
			}
			if v, ok := String(s, "name"); !ok || v != "beacon" {
				t.Fatalf("String=%q,%v want beacon,true", v, ok)
			}

			if err := s.Delete("start"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok := Float(s, "start"); ok {
				t.Fatalf("expected key removed")
			}
			// Deleting an absent key is not an error.
			if err := s.Delete("start"); err != nil {
				t.Fatalf("delete absent: %v", err)
			}
		})
	}
}

func TestStore_GetTypeMismatch(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Set("k", "text"); err != nil {
		t.Fatalf("set: %v", err)
	}
	var n float64
	ok, err := s.Get("k", &n)
	if !ok || err == nil {
		t.Fatalf("Get=%v,%v want present with decode error", ok, err)
	}
	if _, ok := Float(s, "k"); ok {
		t.Fatalf("Float should reject non-numeric value")
	}
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBadger(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set("RATGeoScheduleStartTime", 42.0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Set("x", 1); err != ErrClosed {
		t.Fatalf("set after close err=%v, want ErrClosed", err)
	}

	s2, err := OpenBadger(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if v, ok := Float(s2, "RATGeoScheduleStartTime"); !ok || v != 42 {
		t.Fatalf("value=%v,%v want 42,true", v, ok)
	}
	keys, err := s2.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "RATGeoScheduleStartTime" {
		t.Fatalf("keys=%v", keys)
	}
}
