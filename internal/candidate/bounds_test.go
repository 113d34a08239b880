package candidate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reunite-hq/match-engine/internal/model"
)

func TestBoundingBoxSymmetricAroundPoint(t *testing.T) {
	loc := model.Location{Lat: 40.7128, Lon: -74.0060}
	minLat, maxLat, minLon, maxLon := boundingBox(loc, 25000)

	assert.InDelta(t, loc.Lat-(maxLat-loc.Lat), minLat, 1e-9)
	assert.InDelta(t, loc.Lon-(maxLon-loc.Lon), minLon, 1e-9)

	// 25km is about 0.2246 degrees of latitude.
	assert.InDelta(t, 0.2246, maxLat-loc.Lat, 0.001)
	// Longitude degrees are wider than latitude degrees off the equator.
	assert.Greater(t, maxLon-loc.Lon, maxLat-loc.Lat)
}

func TestBoundingBoxIncludesFuzzRadius(t *testing.T) {
	loc := model.Location{Lat: 40, Lon: -74}
	_, tight, _, _ := boundingBox(loc, 25000)
	loc.FuzzRadiusM = 5000
	_, wide, _, _ := boundingBox(loc, 25000)

	assert.Greater(t, wide, tight)
}

func TestBoundingBoxClampsLatitude(t *testing.T) {
	minLat, maxLat, _, _ := boundingBox(model.Location{Lat: 89.9, Lon: 0}, 50000)
	assert.LessOrEqual(t, maxLat, 90.0)
	assert.Less(t, minLat, 89.9)

	minLat, _, _, _ = boundingBox(model.Location{Lat: -89.9, Lon: 0}, 50000)
	assert.GreaterOrEqual(t, minLat, -90.0)
}

func TestCandidateQueryOppositeTypeAndWindow(t *testing.T) {
	g := NewGenerator(nil, nil, nil, Options{
		SearchRadiusM: 25000,
		TimeHorizon:   30 * 24 * time.Hour,
		MaxCandidates: 200,
	})
	occurred := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := &model.Report{
		ID:         "lost-1",
		Type:       model.ReportTypeLost,
		Category:   "wallet",
		Location:   model.Location{Lat: 40, Lon: -74},
		OccurredAt: occurred,
	}

	q := g.candidateQuery(r)

	assert.Equal(t, model.ReportTypeFound, q.Type)
	assert.Equal(t, []string{"wallet"}, q.Categories)
	assert.Equal(t, occurred.AddDate(0, 0, -30), q.OccurredFrom)
	assert.Equal(t, occurred.AddDate(0, 0, 30), q.OccurredTo)
	assert.Equal(t, 200, q.Limit)
	assert.Less(t, q.MinLat, 40.0)
	assert.Greater(t, q.MaxLat, 40.0)
}

func TestCompatibleCategories(t *testing.T) {
	g := NewGenerator(nil, nil, nil, Options{
		CategoryAliases: map[string][]string{
			"bag": {"backpack", "purse", "bag"},
		},
	})

	assert.Equal(t, []string{"bag", "backpack", "purse"}, g.compatibleCategories("bag"))
	assert.Equal(t, []string{"wallet"}, g.compatibleCategories("wallet"))
}
