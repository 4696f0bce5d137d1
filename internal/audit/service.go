// Package audit is the compliance audit log. Single writes go straight to the
// store and fail closed; batched writes are buffered and flushed by a
// dedicated goroutine in all-or-nothing transactions.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"phiguard/internal/audit/metrics"
	dErrors "phiguard/pkg/domain-errors"
	audit "phiguard/pkg/platform/audit"
	"phiguard/pkg/platform/ids"
)

// Service records and queries audit entries.
//
// Invariant: entries accepted by Log are durable when Log returns nil.
// Entries accepted by LogBatch are durable only after a successful flush.
type Service struct {
	store   audit.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	hasher  *ipHasher
	cfg     Config
	now     func() time.Time

	mu     sync.Mutex
	buffer []audit.Entry

	// flushMu serializes flushes so a failed batch can be re-queued at the
	// head of the buffer without reordering.
	flushMu sync.Mutex

	kick      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closed    bool
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithClock overrides the timestamp source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates the audit log and starts its flush goroutine. Call Close to
// drain the buffer and stop the goroutine.
func New(store audit.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	s := &Service{
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()

	hasher, err := newIPHasher(s.cfg.IPHashKey)
	if err != nil {
		return nil, err
	}
	s.hasher = hasher

	go s.run()
	return s, nil
}

// Log synchronously persists one entry. A storage failure is returned to the
// caller, whose operation must not proceed.
func (s *Service) Log(ctx context.Context, in audit.Input) (*audit.Entry, error) {
	entry, err := s.build(in)
	if err != nil {
		return nil, err
	}
	if err := s.store.Append(ctx, entry); err != nil {
		s.metrics.IncFailure(metrics.ModeSync)
		s.logger.ErrorContext(ctx, "CRITICAL: audit write failed",
			"action", entry.Action,
			"resource_type", entry.Resource.Type,
			"user_id", entry.Actor.UserID,
			"error", err,
		)
		return nil, fmt.Errorf("persist audit entry: %w", err)
	}
	s.metrics.IncWritten(metrics.ModeSync, 1)
	return &entry, nil
}

// LogBatch buffers entries for the next flush. Entries are validated up front
// so one bad input rejects the whole call. When the buffer would exceed
// MaxBuffered the caller flushes inline first.
func (s *Service) LogBatch(ctx context.Context, inputs []audit.Input) error {
	if len(inputs) == 0 {
		return nil
	}
	entries := make([]audit.Entry, 0, len(inputs))
	for i, in := range inputs {
		e, err := s.build(in)
		if err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	full := len(s.buffer)+len(entries) > s.cfg.MaxBuffered
	s.mu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			return fmt.Errorf("buffer full and flush failed: %w", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.buffer = append(s.buffer, entries...)
	depth := len(s.buffer)
	s.mu.Unlock()
	s.metrics.SetBufferDepth(depth)

	if depth >= s.cfg.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of buffered entries not yet durable.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flush writes every buffered entry in one transaction. On failure the batch
// goes back to the head of the buffer and the error is returned.
func (s *Service) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	flushCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := s.store.AppendBatch(flushCtx, batch)
	s.metrics.ObserveFlush(time.Since(start).Seconds())
	if err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		depth := len(s.buffer)
		s.mu.Unlock()

		s.metrics.IncFailure(metrics.ModeBatch)
		s.metrics.IncRequeued(len(batch))
		s.metrics.SetBufferDepth(depth)
		s.logger.ErrorContext(ctx, "audit batch flush failed, entries re-queued",
			"entries", len(batch),
			"buffered", depth,
			"error", err,
		)
		return fmt.Errorf("flush %d audit entries: %w", len(batch), err)
	}

	s.metrics.IncWritten(metrics.ModeBatch, len(batch))
	s.metrics.SetBufferDepth(s.Pending())
	return nil
}

// Close stops the flush goroutine and drains the buffer. Entries that still
// cannot be written are reported through the returned error and stay
// buffered.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	<-s.stopped
	return s.Flush(ctx)
}

func (s *Service) run() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		// Errors are logged by Flush; entries stay buffered for the next tick.
		_ = s.Flush(context.Background())
	}
}

func (s *Service) build(in audit.Input) (audit.Entry, error) {
	if in.Actor.UserID == "" {
		return audit.Entry{}, dErrors.New(dErrors.CodeInvalidInput, "audit entry requires actor user id")
	}
	if !in.Action.IsValid() {
		return audit.Entry{}, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid audit action %q", in.Action))
	}
	if !in.Resource.Type.IsValid() {
		return audit.Entry{}, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid audit resource type %q", in.Resource.Type))
	}
	outcome := in.Outcome
	if outcome == "" {
		outcome = audit.OutcomeSuccess
	}
	if outcome != audit.OutcomeSuccess && outcome != audit.OutcomeDenied {
		return audit.Entry{}, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid audit outcome %q", outcome))
	}

	ts := s.now()
	entry := audit.Entry{
		ID:        ids.NewAt(ts),
		Timestamp: ts,
		Actor: audit.Actor{
			UserID:    in.Actor.UserID,
			Role:      in.Actor.Role,
			IPHash:    s.hasher.Hash(in.Actor.IP),
			SessionID: in.Actor.SessionID,
		},
		Action:       in.Action,
		Resource:     in.Resource,
		Outcome:      outcome,
		DenialReason: in.DenialReason,
		PHIAccessed:  in.PHIAccessed,
	}
	if len(in.FieldsAccessed) > 0 {
		entry.FieldsAccessed = append([]string(nil), in.FieldsAccessed...)
	}
	if len(in.Changes) > 0 {
		entry.Changes = maps.Clone(in.Changes)
	}
	if len(in.Metadata) > 0 {
		entry.Metadata = maps.Clone(in.Metadata)
	}
	if client := clientSummary(in.Actor.UserAgent); client != nil {
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any, 1)
		}
		entry.Metadata["client"] = client
	}
	return entry, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Query returns one page of entries. Limit defaults to DefaultQueryLimit and
// is capped at MaxQueryLimit.
func (s *Service) Query(ctx context.Context, opts audit.QueryOptions) (*audit.QueryResult, error) {
	page := normalizePage(opts)
	entries, total, err := s.store.Query(ctx, opts.Filter, page)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return &audit.QueryResult{
		Entries: entries,
		Total:   total,
		HasMore: page.Offset+len(entries) < total,
	}, nil
}

// Export returns every matching entry in chronological order.
func (s *Service) Export(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	entries, _, err := s.store.Query(ctx, filter, audit.Page{Order: audit.SortAsc})
	if err != nil {
		return nil, fmt.Errorf("export audit log: %w", err)
	}
	return entries, nil
}

// ExportForPatient returns the full access history for one patient, for
// disclosure accounting requests.
func (s *Service) ExportForPatient(ctx context.Context, patientID string) ([]audit.Entry, error) {
	if patientID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "patient id is required")
	}
	return s.Export(ctx, audit.Filter{PatientID: patientID})
}

func (s *Service) PatientAccessHistory(ctx context.Context, patientID string, opts audit.QueryOptions) (*audit.QueryResult, error) {
	opts.PatientID = patientID
	return s.Query(ctx, opts)
}

func (s *Service) UserActivityLog(ctx context.Context, userID string, opts audit.QueryOptions) (*audit.QueryResult, error) {
	opts.UserID = userID
	return s.Query(ctx, opts)
}

func (s *Service) DeniedAccessAttempts(ctx context.Context, opts audit.QueryOptions) (*audit.QueryResult, error) {
	opts.Outcome = audit.OutcomeDenied
	return s.Query(ctx, opts)
}

func (s *Service) PHIAccessLogs(ctx context.Context, opts audit.QueryOptions) (*audit.QueryResult, error) {
	opts.PHIOnly = true
	return s.Query(ctx, opts)
}

// Stats aggregates over the filtered set, not the whole log.
func (s *Service) Stats(ctx context.Context, filter audit.Filter) (*audit.Stats, error) {
	entries, _, err := s.store.Query(ctx, filter, audit.Page{})
	if err != nil {
		return nil, fmt.Errorf("load audit stats: %w", err)
	}
	return computeStats(entries), nil
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

// DeleteOlderThan purges entries older than cutoff. Only retention calls it.
func (s *Service) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	s.logger.InfoContext(ctx, "audit entries purged",
		"cutoff", cutoff,
		"deleted", n,
	)
	return n, nil
}

// CountOlderThan reports how many entries DeleteOlderThan would remove.
func (s *Service) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	_, total, err := s.store.Query(ctx,
		audit.Filter{Before: cutoff},
		audit.Page{Limit: 1},
	)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return int64(total), nil
}

func normalizePage(opts audit.QueryOptions) audit.Page {
	page := audit.Page{Limit: opts.Limit, Offset: opts.Offset, Order: opts.Order}
	switch {
	case page.Limit <= 0:
		page.Limit = DefaultQueryLimit
	case page.Limit > MaxQueryLimit:
		page.Limit = MaxQueryLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	if page.Order != audit.SortAsc {
		page.Order = audit.SortDesc
	}
	return page
}
