package model

import "time"

// ReportType distinguishes the two kinds of item reports. Matches are only
// ever proposed between a lost report and a found report.
type ReportType string

const (
	ReportTypeLost  ReportType = "lost"
	ReportTypeFound ReportType = "found"
)

// Opposite returns the report type a report of type t can be matched against.
func (t ReportType) Opposite() ReportType {
	if t == ReportTypeLost {
		return ReportTypeFound
	}
	return ReportTypeLost
}

// ReportStatus is the moderation state of a report, owned by the report store.
type ReportStatus string

const (
	ReportStatusPending  ReportStatus = "pending"
	ReportStatusApproved ReportStatus = "approved"
	ReportStatusHidden   ReportStatus = "hidden"
)

// Location is a point with a fuzz radius. End users rarely know the exact
// spot, so the radius expresses how far the true location may be from the
// reported coordinates.
type Location struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	FuzzRadiusM float64 `json:"fuzz_radius_m"`
}

// Report is an item report owned by the report store. The engine consumes
// reports read-only; Version is bumped by the report store whenever a field
// that affects scoring (description, media, location) changes.
type Report struct {
	ID          string       `json:"id"`
	Type        ReportType   `json:"type"`
	Category    string       `json:"category"`
	Description string       `json:"description"`
	Location    Location     `json:"location"`
	OccurredAt  time.Time    `json:"occurred_at"`
	MediaRefs   []string     `json:"media_refs,omitempty"`
	OwnerID     string       `json:"owner_id"`
	Status      ReportStatus `json:"status"`
	Version     int64        `json:"version"`
}

// HasMedia reports whether the report carries at least one media reference.
// Image and color signals cannot be computed for a pair unless both sides
// have media.
func (r *Report) HasMedia() bool {
	return len(r.MediaRefs) > 0
}

// ReportChange describes which scoring inputs of a report changed. The
// reconciliation coordinator uses it to re-invoke only the affected signal
// scorers.
type ReportChange struct {
	ReportID           string `json:"report_id"`
	DescriptionChanged bool   `json:"description_changed"`
	MediaChanged       bool   `json:"media_changed"`
	LocationChanged    bool   `json:"location_changed"`
	OccurredAtChanged  bool   `json:"occurred_at_changed"`
}

// All returns a change record marking every scoring input as changed. Used
// for full rescores where the delta is unknown.
func (c ReportChange) All() ReportChange {
	c.DescriptionChanged = true
	c.MediaChanged = true
	c.LocationChanged = true
	c.OccurredAtChanged = true
	return c
}
