package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo is the nearby-driver lookup consumed by dispatch, plus the availability
// updates fed by driver pings and ride lifecycle.
type Geo interface {
	FindNearbyAvailableDrivers(ctx context.Context, point models.Coord, radiusMeters float64, limit int) ([]models.NearbyDriver, error)
	Upsert(ctx context.Context, d models.Driver) error
	SetAvailable(ctx context.Context, driverID string, available bool) error
}

// cellPrecision is the geohash length used for buckets; cells are about 4.9km wide.
const cellPrecision = 5

type entry struct {
	driver    models.Driver
	cell      string
	available bool
}

// Index is an in-memory Geo that buckets drivers by geohash cell.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]*entry
	cells   map[string]map[string]struct{}
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]*entry), cells: make(map[string]map[string]struct{})}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	cell := geohash.EncodeWithPrecision(d.Loc.Lat, d.Loc.Lon, cellPrecision)
	e, ok := g.drivers[d.ID]
	if !ok {
		e = &entry{available: true}
		g.drivers[d.ID] = e
	} else if e.cell != cell {
		g.removeFromCell(e.cell, d.ID)
	}
	e.driver = d
	e.cell = cell
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][d.ID] = struct{}{}
	return nil
}

func (g *Index) removeFromCell(cell, id string) {
	if set, ok := g.cells[cell]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(g.cells, cell)
		}
	}
}

// SetAvailable marks a known driver busy or free. Unknown drivers are ignored.
func (g *Index) SetAvailable(_ context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.drivers[driverID]; ok {
		e.available = available
	}
	return nil
}

// FindNearbyAvailableDrivers returns online, available drivers within radius,
// nearest first with ties broken by id.
func (g *Index) FindNearbyAvailableDrivers(_ context.Context, point models.Coord, radiusMeters float64, limit int) ([]models.NearbyDriver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	if center, ok := coveringCell(point, radiusMeters); ok {
		for _, cell := range append(geohash.Neighbors(center), center) {
			for id := range g.cells[cell] {
				ids = append(ids, id)
			}
		}
	} else {
		ids = make([]string, 0, len(g.drivers))
		for id := range g.drivers {
			ids = append(ids, id)
		}
	}

	out := make([]models.NearbyDriver, 0, len(ids))
	for _, id := range ids {
		e := g.drivers[id]
		if !e.driver.Online || !e.available {
			continue
		}
		dist := Haversine(point.Lat, point.Lon, e.driver.Loc.Lat, e.driver.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		out = append(out, models.NearbyDriver{ID: id, Loc: e.driver.Loc, DistanceMeters: dist})
	}
	SortNearest(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// coveringCell returns the bucket holding point when its eight neighbours are
// guaranteed to contain every point within radius. Larger radii fall back to a
// full scan.
func coveringCell(point models.Coord, radiusMeters float64) (string, bool) {
	cell := geohash.EncodeWithPrecision(point.Lat, point.Lon, cellPrecision)
	box := geohash.BoundingBox(cell)
	latSpan := (box.MaxLat - box.MinLat) * metersPerDegree
	// the narrowest edge of the neighbourhood is at the latitude furthest from the equator
	edgeLat := math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat)) + (box.MaxLat - box.MinLat)
	lonSpan := (box.MaxLng - box.MinLng) * metersPerDegree * math.Cos(edgeLat*math.Pi/180)
	return cell, radiusMeters <= math.Min(latSpan, lonSpan)
}

const metersPerDegree = 111320.0

// SortNearest orders drivers by distance, then id, so dispatch is deterministic.
func SortNearest(ds []models.NearbyDriver) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].DistanceMeters == ds[j].DistanceMeters {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].DistanceMeters < ds[j].DistanceMeters
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
