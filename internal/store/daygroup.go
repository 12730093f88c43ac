package store

import (
	"sort"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// GroupByDay buckets messages by the calendar date of SentAt in loc.
// Groups are in ascending date order and each group is ascending by
// SentAt. The input is not modified and need not be sorted. A nil loc
// means UTC.
func GroupByDay(msgs []models.Message, loc *time.Location) []models.DayGroup {
	if len(msgs) == 0 {
		return nil
	}

	if loc == nil {
		loc = time.UTC
	}

	sorted := make([]models.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SentAt.Before(sorted[j].SentAt)
	})

	var groups []models.DayGroup

	for _, m := range sorted {
		d := models.DateOf(m.SentAt, loc)

		if n := len(groups); n > 0 && groups[n-1].Date == d {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}

		groups = append(groups, models.DayGroup{Date: d, Messages: []models.Message{m}})
	}

	return groups
}
