package audit

import (
	"cmp"
	"slices"

	"phiguard/pkg/domain"
	audit "phiguard/pkg/platform/audit"
)

const dayLayout = "2006-01-02"

func computeStats(entries []audit.Entry) *audit.Stats {
	st := &audit.Stats{
		Total:          len(entries),
		ByAction:       make(map[domain.Action]int),
		ByResourceType: make(map[domain.ResourceType]int),
		ByOutcome:      make(map[audit.Outcome]int),
		ByRole:         make(map[domain.Role]int),
		ByDay:          make(map[string]int),
	}
	users := make(map[string]int)
	patients := make(map[string]int)

	for _, e := range entries {
		st.ByAction[e.Action]++
		st.ByResourceType[e.Resource.Type]++
		st.ByOutcome[e.Outcome]++
		if e.Actor.Role != "" {
			st.ByRole[e.Actor.Role]++
		}
		if e.PHIAccessed {
			st.PHIAccessCount++
		}
		if e.Outcome == audit.OutcomeDenied {
			st.DenialCount++
		}
		users[e.Actor.UserID]++
		if e.Resource.PatientID != "" {
			patients[e.Resource.PatientID]++
		}
		st.ByDay[e.Timestamp.UTC().Format(dayLayout)]++
	}

	st.TopUsers = topCounts(users, topN)
	st.TopPatients = topCounts(patients, topN)
	return st
}

// topCounts returns the n highest counts, ties broken by key.
func topCounts(counts map[string]int, n int) []audit.Count {
	out := make([]audit.Count, 0, len(counts))
	for k, c := range counts {
		out = append(out, audit.Count{Key: k, Count: c})
	}
	slices.SortFunc(out, func(a, b audit.Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
