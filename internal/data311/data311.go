// Package data311 fetches and normalizes municipal 311 case data.
// Each city publishes a different schema; normalization maps the
// first present key from a precedence list into a shared Case shape.
package data311

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/civicpulse/civicpulse/internal/reports"
)

// Case is a normalized 311 service request.
type Case struct {
	ID          string         `json:"id"`
	City        string         `json:"city"` // "sf" or "boston"
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Address     string         `json:"address,omitempty"`
	Status      string         `json:"status,omitempty"`
	CreatedAt   string         `json:"createdAt,omitempty"`
	Coordinates *[2]float64    `json:"coordinates,omitempty"` // [lng, lat]
	Raw         map[string]any `json:"raw,omitempty"`
}

// Source fetches recent cases for one city.
type Source interface {
	City() reports.City
	Fetch(ctx context.Context, limit int) ([]Case, error)
}

// ToReport converts a normalized case into the shared report shape for
// ingestion. Returns false when the case has no coordinates.
func (c Case) ToReport(city reports.City, source string) (*reports.Report, bool) {
	if c.Coordinates == nil {
		return nil, false
	}
	r := &reports.Report{
		City:          city,
		StreetAddress: c.Address,
		Longitude:     c.Coordinates[0],
		Latitude:      c.Coordinates[1],
		Description:   c.Description,
		Status:        c.Status,
		Department:    c.Category,
		Ranking:       999,
		Summary:       c.Description,
		Source:        source,
		NativeID:      c.ID,
		ReportedAt:    parseUpstreamTime(c.CreatedAt),
	}
	return r, true
}

// parseUpstreamTime handles the timestamp layouts the 311 feeds use.
func parseUpstreamTime(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000", // Socrata floating timestamp
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// getFirst returns the first present, non-empty value among keys.
func getFirst(r map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

// firstString returns the first present value among keys, rendered as a string.
func firstString(r map[string]any, keys ...string) string {
	v, ok := getFirst(r, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// firstNumber parses the first present value among keys as a float.
func firstNumber(r map[string]any, keys ...string) (float64, bool) {
	v, ok := getFirst(r, keys...)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// NormalizeSF maps raw SF Socrata records into Cases, dropping records
// without coordinates.
func NormalizeSF(records []map[string]any) []Case {
	out := make([]Case, 0, len(records))
	for _, r := range records {
		id := firstString(r, "case_id", "service_request_id", "objectid")
		if id == "" {
			id = uuid.NewString()
		}
		category := firstString(r, "service_name", "category", "request_type")
		if category == "" {
			category = "Unknown"
		}
		c := Case{
			ID:          id,
			City:        "sf",
			Category:    category,
			Description: firstString(r, "description", "status_notes", "request_details", "service_subtype"),
			Address:     firstString(r, "address", "address_as_string", "address_text"),
			Status:      firstString(r, "status_description", "status"),
			CreatedAt:   firstString(r, "requested_datetime", "opened", "created_date"),
			Coordinates: sfCoordinates(r),
			Raw:         r,
		}
		if c.Coordinates == nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// sfCoordinates extracts [lng, lat] from the several shapes SF publishes:
// a Socrata geometry column, a nested point object, or flat lat/long fields.
func sfCoordinates(r map[string]any) *[2]float64 {
	if geomRaw, ok := getFirst(r, "point_geom"); ok {
		if geom, isMap := geomRaw.(map[string]any); isMap {
			if coordsRaw, hasCoords := geom["coordinates"].([]any); hasCoords && len(coordsRaw) == 2 {
				lng, lngOK := toFloat(coordsRaw[0])
				lat, latOK := toFloat(coordsRaw[1])
				if lngOK && latOK {
					return &[2]float64{lng, lat}
				}
			}
		}
	}

	lng, lngOK := firstNumber(r, "long", "longitude")
	lat, latOK := firstNumber(r, "lat", "latitude")
	if !lngOK || !latOK {
		if pointRaw, ok := getFirst(r, "point"); ok {
			if point, isMap := pointRaw.(map[string]any); isMap {
				lng, lngOK = firstNumber(point, "longitude")
				lat, latOK = firstNumber(point, "latitude")
			}
		}
	}
	if lngOK && latOK {
		return &[2]float64{lng, lat}
	}
	return nil
}

// NormalizeBoston maps raw Boston Open311/CKAN records into Cases,
// dropping records without coordinates.
func NormalizeBoston(records []map[string]any) []Case {
	out := make([]Case, 0, len(records))
	for _, r := range records {
		id := firstString(r, "service_request_id", "case_id")
		if id == "" {
			id = uuid.NewString()
		}
		category := firstString(r, "service_name", "service_code")
		if category == "" {
			category = "Unknown"
		}
		c := Case{
			ID:          id,
			City:        "boston",
			Category:    category,
			Description: firstString(r, "description", "service_notice"),
			Address:     firstString(r, "address", "request_address"),
			Status:      firstString(r, "status"),
			CreatedAt:   firstString(r, "requested_datetime", "created_at"),
			Raw:         r,
		}
		lng, lngOK := firstNumber(r, "long", "longitude")
		lat, latOK := firstNumber(r, "lat", "latitude")
		if !lngOK || !latOK {
			continue
		}
		c.Coordinates = &[2]float64{lng, lat}
		out = append(out, c)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
