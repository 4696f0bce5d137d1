package audit

import (
	"slices"
	"sort"
)

// Matches reports whether e satisfies every constraint set on f.
func (f Filter) Matches(e Entry) bool {
	if f.UserID != "" && e.Actor.UserID != f.UserID {
		return false
	}
	if len(f.Actions) > 0 && !slices.Contains(f.Actions, e.Action) {
		return false
	}
	if f.ResourceType != "" && e.Resource.Type != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.Resource.ID != f.ResourceID {
		return false
	}
	if f.PatientID != "" && e.Resource.PatientID != f.PatientID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	if !f.Before.IsZero() && !e.Timestamp.Before(f.Before) {
		return false
	}
	if f.PHIOnly && !e.PHIAccessed {
		return false
	}
	return true
}

// SortEntries orders entries by timestamp, breaking ties by ID so the order
// is deterministic.
func SortEntries(entries []Entry, order SortOrder) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Timestamp.Equal(b.Timestamp) {
			if order == SortAsc {
				return a.ID < b.ID
			}
			return a.ID > b.ID
		}
		if order == SortAsc {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Timestamp.After(b.Timestamp)
	})
}

// Paginate slices entries according to page. A zero limit returns everything
// after the offset.
func Paginate(entries []Entry, page Page) []Entry {
	if page.Offset >= len(entries) {
		return []Entry{}
	}
	if page.Offset > 0 {
		entries = entries[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(entries) {
		entries = entries[:page.Limit]
	}
	return entries
}
