// Package pagination parses keyset page requests. Lists are walked backwards
// from a cursor, the ID of the oldest item the client already holds.
package pagination

import (
	"strconv"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

// Params represents pagination query parameters
type Params struct {
	Before string
	Limit  int
}

// Parse reads the before cursor and limit query values. An empty limit means
// DefaultPageSize; limits above MaxPageSize are clamped.
func Parse(before, limitStr string) (*Params, error) {
	limit := constants.DefaultPageSize
	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			return nil, apperrors.ValidationError("Invalid limit parameter")
		}
		limit = min(l, constants.MaxPageSize)
	}
	return &Params{Before: before, Limit: limit}, nil
}

// NextCursor returns the cursor for the page before ids, or "" when the page
// was short and there is nothing older. ids are ordered oldest first.
func NextCursor(ids []string, limit int) string {
	if len(ids) == 0 || len(ids) < limit {
		return ""
	}
	return ids[0]
}
