package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/olliefit/nutriscan/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nutriscan.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(id string, createdAt time.Time) *models.NutritionItem {
	return &models.NutritionItem{
		ID:        id,
		UserID:    "u1",
		AssetURL:  "http://objects/food-images/u1/1_f.png",
		AssetID:   "u1/1_f.png",
		FileName:  "f.png",
		FoodName:  "Apple",
		Calories:  95,
		Carbs:     25,
		Protein:   0.5,
		Fat:       0.3,
		Sugar:     19,
		Fiber:     4.4,
		CreatedAt: createdAt,
	}
}

func TestTokenStore(t *testing.T) {
	t.Run("Load Without Token Returns Empty", func(t *testing.T) {
		s := newTestStore(t)

		token, err := s.LoadToken()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if token != "" {
			t.Errorf("expected empty token, got %q", token)
		}
	})

	t.Run("Save Load Round Trip", func(t *testing.T) {
		s := newTestStore(t)

		if err := s.SaveToken("jwt-abc"); err != nil {
			t.Fatalf("save: %v", err)
		}
		token, err := s.LoadToken()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if token != "jwt-abc" {
			t.Errorf("expected jwt-abc, got %q", token)
		}
	})

	t.Run("Save Replaces Previous Token", func(t *testing.T) {
		s := newTestStore(t)

		if err := s.SaveToken("old"); err != nil {
			t.Fatalf("save old: %v", err)
		}
		if err := s.SaveToken("new"); err != nil {
			t.Fatalf("save new: %v", err)
		}
		token, err := s.LoadToken()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if token != "new" {
			t.Errorf("expected new, got %q", token)
		}
	})

	t.Run("Clear Removes Token", func(t *testing.T) {
		s := newTestStore(t)

		if err := s.SaveToken("jwt-abc"); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.ClearToken(); err != nil {
			t.Fatalf("clear: %v", err)
		}
		token, err := s.LoadToken()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if token != "" {
			t.Errorf("expected empty token after clear, got %q", token)
		}
	})

	t.Run("Clear Without Token Succeeds", func(t *testing.T) {
		s := newTestStore(t)

		if err := s.ClearToken(); err != nil {
			t.Errorf("clear on empty store: %v", err)
		}
	})
}

func TestItemStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Save Get Round Trip", func(t *testing.T) {
		s := newTestStore(t)

		if err := s.SaveItem(ctx, testItem("item-1", time.Now())); err != nil {
			t.Fatalf("save: %v", err)
		}

		got, err := s.GetItem(ctx, "item-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got == nil {
			t.Fatal("expected item, got nil")
		}
		if got.FoodName != "Apple" || got.Calories != 95 || got.UserID != "u1" {
			t.Errorf("unexpected item: %+v", got)
		}
	})

	t.Run("Get Missing Item Returns Nil", func(t *testing.T) {
		s := newTestStore(t)

		got, err := s.GetItem(ctx, "nope")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})

	t.Run("Save Same Id Updates In Place", func(t *testing.T) {
		s := newTestStore(t)

		if err := s.SaveItem(ctx, testItem("item-1", time.Now())); err != nil {
			t.Fatalf("save: %v", err)
		}
		updated := testItem("item-1", time.Now())
		updated.FoodName = "Green Apple"
		updated.Calories = 80
		if err := s.SaveItem(ctx, updated); err != nil {
			t.Fatalf("save update: %v", err)
		}

		got, err := s.GetItem(ctx, "item-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.FoodName != "Green Apple" || got.Calories != 80 {
			t.Errorf("expected updated item, got %+v", got)
		}

		items, err := s.RecentItems(ctx, 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(items) != 1 {
			t.Errorf("expected 1 item after upsert, got %d", len(items))
		}
	})

	t.Run("Recent Items Newest First", func(t *testing.T) {
		s := newTestStore(t)

		base := time.Now().Add(-time.Hour)
		for i, id := range []string{"item-1", "item-2", "item-3"} {
			item := testItem(id, base.Add(time.Duration(i)*time.Minute))
			if err := s.SaveItem(ctx, item); err != nil {
				t.Fatalf("save %s: %v", id, err)
			}
		}

		items, err := s.RecentItems(ctx, 2)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(items))
		}
		if items[0].ID != "item-3" || items[1].ID != "item-2" {
			t.Errorf("unexpected order: %s, %s", items[0].ID, items[1].ID)
		}
	})
}
