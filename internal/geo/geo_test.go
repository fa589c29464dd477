package geo

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Bengaluru city center to a point ~1.5km northeast.
	d := Haversine(12.97, 77.59, 12.98, 77.60)
	if d < 1000 || d > 2500 {
		t.Fatalf("expected roughly 1.5km, got %fm", d)
	}
}

func TestMemoryIndexSearchFiltersByRadius(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	if err := idx.Upsert(ctx, "near", models.Coord{Lng: 77.60, Lat: 12.98}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, "far", models.Coord{Lng: 80.27, Lat: 13.08}); err != nil { // Chennai, ~290km away
		t.Fatal(err)
	}

	ids, err := idx.Search(ctx, models.Coord{Lng: 77.59, Lat: 12.97}, 50000)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "near" {
		t.Fatalf("expected only the near driver, got %v", ids)
	}
}

func TestMemoryIndexUpsertOverwrites(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, "d1", models.Coord{Lng: 0, Lat: 0})
	_ = idx.Upsert(ctx, "d1", models.Coord{Lng: 77.60, Lat: 12.98})

	ids, err := idx.Search(ctx, models.Coord{Lng: 0, Lat: 0}, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("driver should have moved away, got %v", ids)
	}
}
