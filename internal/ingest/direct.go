package ingest

import (
	"context"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Direct applies location pushes straight to the geo index and the
// driver directory. Used when no Kafka brokers are configured; the
// pipeline otherwise runs through KafkaProducer and locationd.
type Direct struct {
	Index     geo.Index
	Directory directory.Directory
}

func (d *Direct) PublishLocation(p models.LocationPush) error {
	ctx := context.Background()
	loc := models.Coord{Lng: p.Lng, Lat: p.Lat}
	if err := d.Index.Upsert(ctx, p.DriverID, loc); err != nil {
		return err
	}
	if err := d.Directory.UpsertLocation(ctx, p.DriverID, loc); err != nil {
		return err
	}
	observability.DriversOnline.Inc()
	return nil
}
