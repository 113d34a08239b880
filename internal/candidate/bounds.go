package candidate

import (
	"math"

	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/report"
)

const metersPerDegreeLat = 111320.0

// boundingBox expands a report's location into a lat/lon box with the given
// search radius plus the report's own fuzz radius. The box is a cheap
// prefilter; precise proximity is the geo scorer's job.
func boundingBox(loc model.Location, radiusM float64) (minLat, maxLat, minLon, maxLon float64) {
	r := radiusM + loc.FuzzRadiusM
	dLat := r / metersPerDegreeLat

	// Shrink longitude degrees with latitude; clamp near the poles where
	// the approximation collapses.
	cosLat := math.Cos(loc.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := r / (metersPerDegreeLat * cosLat)

	minLat = math.Max(-90, loc.Lat-dLat)
	maxLat = math.Min(90, loc.Lat+dLat)
	minLon = loc.Lon - dLon
	maxLon = loc.Lon + dLon
	return
}

// candidateQuery builds the coarse report-store prefilter for a reference
// report.
func (g *Generator) candidateQuery(r *model.Report) report.CandidateQuery {
	minLat, maxLat, minLon, maxLon := boundingBox(r.Location, g.opts.SearchRadiusM)

	return report.CandidateQuery{
		Type:         r.Type.Opposite(),
		Categories:   g.compatibleCategories(r.Category),
		MinLat:       minLat,
		MaxLat:       maxLat,
		MinLon:       minLon,
		MaxLon:       maxLon,
		OccurredFrom: r.OccurredAt.Add(-g.opts.TimeHorizon),
		OccurredTo:   r.OccurredAt.Add(g.opts.TimeHorizon),
		Limit:        g.opts.MaxCandidates,
	}
}

// compatibleCategories returns the category itself plus configured aliases.
func (g *Generator) compatibleCategories(category string) []string {
	out := []string{category}
	for _, alias := range g.opts.CategoryAliases[category] {
		if alias != category {
			out = append(out, alias)
		}
	}
	return out
}
