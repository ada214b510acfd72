package delegate

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestProgramCacheBareName(t *testing.T) {
	cache := NewProgramCache()

	path, err := cache.Resolve("sh")
	if err != nil {
		t.Fatalf("expected sh to be found, got error: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("expected absolute path, got %s", path)
	}

	again, err := cache.Resolve("sh")
	if err != nil || again != path {
		t.Errorf("cached lookup = %q, %v; want %q", again, err, path)
	}
}

func TestProgramCacheAbsolute(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "run")
	plain := filepath.Join(dir, "data")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cache := NewProgramCache()
	if got, err := cache.Resolve(exe); err != nil || got != exe {
		t.Errorf("Resolve(exe) = %q, %v", got, err)
	}
	if _, err := cache.Resolve(plain); err == nil || !strings.Contains(err.Error(), "not an executable") {
		t.Errorf("expected not-executable error, got %v", err)
	}
	if _, err := cache.Resolve(dir); err == nil {
		t.Error("expected error for directory")
	}
	if _, err := cache.Resolve(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestProgramCacheRejects(t *testing.T) {
	cache := NewProgramCache()
	for _, p := range []string{"", "bin/sh", "./sh", "definitely-not-a-real-program-xyz"} {
		if _, err := cache.Resolve(p); err == nil {
			t.Errorf("Resolve(%q) succeeded", p)
		}
	}
}

func TestProgramCacheConcurrent(t *testing.T) {
	cache := NewProgramCache()
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Resolve("sh"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent lookup failed: %v", err)
	}
}
