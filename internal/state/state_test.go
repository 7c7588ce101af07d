package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStateManager(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "header only", content: "hash_name,item_nameid\n", want: 0},
		{name: "two full pages", content: "hash_name,item_nameid\na,1\nb,2\nc,3\nd,4\n", want: 2},
		{name: "partial page", content: "hash_name,item_nameid\na,1\nb,2\nc,3\n", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".csv")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			sm := NewFileStateManager(path, 2)

			got, err := sm.GetNextPage(context.Background(), "730")
			if err != nil {
				t.Fatalf("GetNextPage() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GetNextPage() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFileStateManager_MissingFile(t *testing.T) {
	sm := NewFileStateManager(filepath.Join(t.TempDir(), "none.csv"), 10)
	if got, err := sm.GetNextPage(context.Background(), "730"); err != nil || got != 0 {
		t.Errorf("GetNextPage() = %d, %v, want 0", got, err)
	}
}

func TestFileStateManager_FailedPages(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "730.csv")
	// Pages 0 and 2 written, page 1 skipped
	if err := os.WriteFile(path, []byte("hash_name,item_nameid\na,1\nb,2\ne,5\nf,6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sm := NewFileStateManager(path, 2)
	tracker, ok := sm.(FailedPageTracker)
	if !ok {
		t.Fatal("file state manager does not track failed pages")
	}

	if err := tracker.SetFailedPages(ctx, "730", []int{1}); err != nil {
		t.Fatalf("SetFailedPages() error = %v", err)
	}
	if got, err := sm.GetNextPage(ctx, "730"); err != nil || got != 3 {
		t.Errorf("GetNextPage() = %d, %v, want 3", got, err)
	}
	if got, err := tracker.GetFailedPages(ctx, "730"); err != nil || fmt.Sprint(got) != "[1]" {
		t.Errorf("GetFailedPages() = %v, %v, want [1]", got, err)
	}
	if _, err := tracker.GetFailedPages(ctx, "440"); err == nil {
		t.Error("GetFailedPages() for another app should fail")
	}

	if err := tracker.SetFailedPages(ctx, "730", nil); err != nil {
		t.Fatalf("SetFailedPages(nil) error = %v", err)
	}
	if _, err := os.Stat(path + ".failed"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stat(.failed) error = %v, want not exist", err)
	}
	if got, _ := sm.GetNextPage(ctx, "730"); got != 2 {
		t.Errorf("GetNextPage() after clearing = %d, want 2", got)
	}
}

func TestFileStateManager_EmptyOutputDropsFailedPages(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "730.csv")
	sm := NewFileStateManager(path, 2)
	if err := sm.(FailedPageTracker).SetFailedPages(ctx, "730", []int{4, 1}); err != nil {
		t.Fatal(err)
	}

	if got, err := sm.GetNextPage(ctx, "730"); err != nil || got != 0 {
		t.Errorf("GetNextPage() = %d, %v, want 0", got, err)
	}
	if pages, _ := sm.(FailedPageTracker).GetFailedPages(ctx, "730"); len(pages) != 0 {
		t.Errorf("GetFailedPages() = %v, want none", pages)
	}
}

func TestNoStateManager(t *testing.T) {
	sm := NewNoStateManager()
	if err := sm.SetNextPage(context.Background(), "730", 5); err != nil {
		t.Fatal(err)
	}
	if got, _ := sm.GetNextPage(context.Background(), "730"); got != 0 {
		t.Errorf("GetNextPage() = %d, want 0", got)
	}
}
