package audit

//go:generate mockgen -source=models.go -destination=mocks/mocks.go -package=mocks Store

import (
	"context"
	"time"

	"phiguard/pkg/domain"
)

// Outcome is the result recorded for an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
)

// Actor identifies who performed an audited operation. The raw client IP is
// never stored; only its keyed hash.
type Actor struct {
	UserID    string      `json:"userId"`
	Role      domain.Role `json:"role"`
	IPHash    string      `json:"ipHash,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

// Resource identifies what an audited operation touched.
type Resource struct {
	Type      domain.ResourceType `json:"type"`
	ID        string              `json:"id,omitempty"`
	PatientID string              `json:"patientId,omitempty"`
}

// Change records one field mutation.
type Change struct {
	Old any `json:"old,omitempty"`
	New any `json:"new,omitempty"`
}

// Entry is one immutable compliance record. Entries are created once and
// never updated; corrections are new entries.
type Entry struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Actor          Actor             `json:"actor"`
	Action         domain.Action     `json:"action"`
	Resource       Resource          `json:"resource"`
	Outcome        Outcome           `json:"outcome"`
	DenialReason   string            `json:"denialReason,omitempty"`
	PHIAccessed    bool              `json:"phiAccessed"`
	FieldsAccessed []string          `json:"fieldsAccessed,omitempty"`
	Changes        map[string]Change `json:"changes,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// ActorInput is the caller-supplied actor. IP is the raw address and is
// hashed before storage.
type ActorInput struct {
	UserID    string
	Role      domain.Role
	IP        string
	SessionID string
	UserAgent string
}

// Input is what callers submit; the audit service assigns ID and Timestamp.
type Input struct {
	Actor          ActorInput
	Action         domain.Action
	Resource       Resource
	Outcome        Outcome
	DenialReason   string
	PHIAccessed    bool
	FieldsAccessed []string
	Changes        map[string]Change
	Metadata       map[string]any
}

// SortOrder orders query results by timestamp.
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// Filter selects entries. Set fields compose conjunctively; zero values do
// not constrain. StartTime and EndTime are inclusive; Before is exclusive and
// matches the retention purge predicate.
type Filter struct {
	UserID       string
	Actions      []domain.Action
	ResourceType domain.ResourceType
	ResourceID   string
	PatientID    string
	Outcome      Outcome
	StartTime    time.Time
	EndTime      time.Time
	Before       time.Time
	PHIOnly      bool
}

// Page bounds a query. Limit 0 means unbounded.
type Page struct {
	Limit  int
	Offset int
	Order  SortOrder
}

// QueryOptions combines a filter with pagination.
type QueryOptions struct {
	Filter
	Limit  int
	Offset int
	Order  SortOrder
}

// QueryResult is one page of entries plus the size of the filtered set.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	HasMore bool    `json:"hasMore"`
}

// Count is a key with its occurrence count, used for top-N lists.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Stats aggregates a filtered set of entries.
type Stats struct {
	Total          int                         `json:"total"`
	ByAction       map[domain.Action]int       `json:"byAction"`
	ByResourceType map[domain.ResourceType]int `json:"byResourceType"`
	ByOutcome      map[Outcome]int             `json:"byOutcome"`
	ByRole         map[domain.Role]int         `json:"byRole"`
	PHIAccessCount int                         `json:"phiAccessCount"`
	DenialCount    int                         `json:"denialCount"`
	TopUsers       []Count                     `json:"topUsers"`
	TopPatients    []Count                     `json:"topPatients"`
	ByDay          map[string]int              `json:"byDay"`
}

// Store persists audit entries. Implementations must never modify a stored
// entry; DeleteOlderThan is the only removal path.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// AppendBatch persists all entries or none.
	AppendBatch(ctx context.Context, entries []Entry) error
	// Query returns one page of matching entries and the total match count.
	Query(ctx context.Context, filter Filter, page Page) ([]Entry, int, error)
	// DeleteOlderThan removes entries with Timestamp strictly before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
