// Package steps implements the append-only step history of a session. Each
// step owns one artifact prefix holding the volumes, property tables and
// lineage snapshot written while it was open; the journal records which keys a
// step touched. Only the most recent step can be cancelled.
package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxelcurate/internal/blob"
	"voxelcurate/internal/codec"
	"voxelcurate/internal/journal"
	"voxelcurate/internal/lineage"
	"voxelcurate/internal/tasks"
	"voxelcurate/internal/telemetry"
	"voxelcurate/pkg/domain"
)

const lineageContentType = "application/json"

// Rollback describes what a cancel undid.
type Rollback struct {
	Step        int
	Description string
	// Volumes are the keys whose volume must be reloaded.
	Volumes []domain.Key
	// Properties maps property names to the keys whose table must be reset.
	Properties map[string][]domain.Key
	// LineageChanged reports whether the cancelled step persisted lineage;
	// Lineage then holds the edges of the newest remaining snapshot.
	LineageChanged bool
	Lineage        []domain.Edge
}

// Keys returns every key touched by the cancelled step, sorted.
func (r Rollback) Keys() []domain.Key {
	seen := make(map[domain.Key]struct{})
	for _, k := range r.Volumes {
		seen[k] = struct{}{}
	}
	for _, keys := range r.Properties {
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	out := make([]domain.Key, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	domain.SortKeys(out)
	return out
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the step history. Its control methods (StartStep, EndStep,
// Cancel) are meant to be driven from one goroutine; reads and artifact
// writes may run concurrently.
type Store struct {
	blobs   blob.Store
	journal journal.Journal
	pool    *tasks.Pool
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	session string

	mu      sync.Mutex
	records []journal.Record
	open    int
	pending map[string]*tasks.Handle

	// pendingKeys maps a pending volume path back to its key.
	pendingKeys map[string]domain.Key
	// failed holds volume paths whose last write failed. A journal entry for
	// such a path no longer describes the edited volume.
	failed map[string]error
}

// Open loads the journal, finishes interrupted cancels, closes a step left
// open by a crash and, for a fresh session, opens step 0.
func Open(ctx context.Context, blobs blob.Store, j journal.Journal, pool *tasks.Pool, opts ...Option) (*Store, error) {
	s := &Store{
		blobs:       blobs,
		journal:     j,
		pool:        pool,
		logger:      slog.Default(),
		now:         time.Now,
		session:     uuid.NewString(),
		open:        -1,
		pending:     make(map[string]*tasks.Handle),
		pendingKeys: make(map[string]domain.Key),
		failed:      make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	recs, err := j.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	for _, rec := range recs {
		switch rec.State {
		case journal.StateCancelled:
			if err := s.purge(ctx, rec.Index); err != nil {
				return nil, fmt.Errorf("finish cancel of step %d: %w", rec.Index, err)
			}
			s.logger.Warn("finished interrupted cancel", "step", rec.Index)
			continue
		case journal.StateOpen:
			end := s.now().UTC()
			rec.State = journal.StateClosed
			rec.EndedAt = &end
			if err := j.Put(ctx, rec); err != nil {
				return nil, fmt.Errorf("close step %d: %w", rec.Index, err)
			}
			s.logger.Info("closed step left open", "step", rec.Index)
		}
		s.records = append(s.records, rec)
	}
	if len(s.records) == 0 {
		if _, err := s.StartStep(ctx, "initial"); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Session returns the id stamped on steps opened by this process.
func (s *Store) Session() string { return s.session }

func stepPrefix(step int) string { return fmt.Sprintf("steps/%06d/", step) }

func volumePath(step int, k domain.Key) string {
	return fmt.Sprintf("%svolumes/%s.vol", stepPrefix(step), k)
}

func propertyPath(step int, name string, k domain.Key) string {
	return fmt.Sprintf("%sproperties/%s/%s.prop", stepPrefix(step), name, k)
}

func lineagePath(step int) string { return stepPrefix(step) + "lineage.json" }

// Current returns the index of the open step, or -1.
func (s *Store) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Last returns the index of the most recent step.
func (s *Store) Last() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLocked()
}

func (s *Store) lastLocked() int {
	if len(s.records) == 0 {
		return -1
	}
	return s.records[len(s.records)-1].Index
}

// History returns a copy of every step record, oldest first.
func (s *Store) History() []journal.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]journal.Record, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Clone()
	}
	return out
}

// StartStep closes the open step, if any, and opens a new one.
func (s *Store) StartStep(ctx context.Context, description string) (step int, err error) {
	defer s.metrics.Track(ctx, "start_step", time.Now(), &err)
	if err := s.EndStep(ctx); err != nil {
		return -1, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := journal.Record{
		Index:       s.lastLocked() + 1,
		Session:     s.session,
		Description: description,
		State:       journal.StateOpen,
		StartedAt:   s.now().UTC(),
	}
	if err := s.journal.Put(ctx, rec); err != nil {
		return -1, fmt.Errorf("record step %d: %w", rec.Index, err)
	}
	s.records = append(s.records, rec)
	s.open = rec.Index
	s.logger.Debug("step started", "step", rec.Index, "description", description)
	return rec.Index, nil
}

// EnsureOpen returns the open step, opening one described "edit" if needed.
func (s *Store) EnsureOpen(ctx context.Context) (int, error) {
	if cur := s.Current(); cur >= 0 {
		return cur, nil
	}
	return s.StartStep(ctx, "edit")
}

// Flush waits for every pending artifact write of the open step.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*tasks.Handle, 0, len(s.pending))
	for _, h := range s.pending {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	return tasks.WaitAll(ctx, handles...)
}

// EndStep joins pending writes and marks the open step closed. A failed
// write is reported but does not keep the step open; reads of that key keep
// failing until a later write of it succeeds or the step is cancelled.
func (s *Store) EndStep(ctx context.Context) error {
	if s.Current() < 0 {
		return nil
	}
	flushErr := s.Flush(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if flushErr != nil {
		flushErr = fmt.Errorf("flush step: %w", flushErr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(s.open)
	if rec == nil {
		s.open = -1
		return flushErr
	}
	end := s.now().UTC()
	closed := rec.Clone()
	closed.State = journal.StateClosed
	closed.EndedAt = &end
	if err := s.journal.Put(ctx, closed); err != nil {
		return errors.Join(flushErr, fmt.Errorf("close step %d: %w", rec.Index, err))
	}
	*rec = closed
	s.open = -1
	clear(s.pending)
	clear(s.pendingKeys)
	return flushErr
}

func (s *Store) recordLocked(step int) *journal.Record {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Index == step {
			return &s.records[i]
		}
	}
	return nil
}

// WriteVolume persists v for key into the open step in the background. The
// key is recorded as touched before the write is queued, so a cancel rolls it
// back whatever happens to the write. A rewrite of the same key within the
// step replaces the earlier artifact once that write has finished.
func (s *Store) WriteVolume(ctx context.Context, key domain.Key, v *domain.Volume) (*tasks.Handle, error) {
	step, err := s.EnsureOpen(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.note(ctx, step, func(rec *journal.Record) bool { return rec.AddVolume(key) }); err != nil {
		return nil, err
	}
	path := volumePath(step, key)
	s.mu.Lock()
	prev := s.pending[path]
	s.mu.Unlock()
	h, err := s.pool.Submit(ctx, "write "+path, func(ctx context.Context) error {
		if prev != nil {
			_ = prev.Wait(ctx)
		}
		var buf bytes.Buffer
		err := codec.EncodeVolume(&buf, v)
		if err != nil {
			err = fmt.Errorf("encode %s: %w", key, err)
		} else {
			err = s.replace(ctx, path, &buf, codec.VolumeContentType)
		}
		s.mu.Lock()
		if err != nil {
			s.failed[path] = err
		} else {
			delete(s.failed, path)
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("volume write failed", "key", key.String(), "step", step, "err", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pending[path] = h
	s.pendingKeys[path] = key
	s.mu.Unlock()
	return h, nil
}

// WaitWrites joins the pending volume writes of every channel at time point t.
func (s *Store) WaitWrites(ctx context.Context, t int) error {
	s.mu.Lock()
	var handles []*tasks.Handle
	for path, key := range s.pendingKeys {
		if key.T == t {
			handles = append(handles, s.pending[path])
		}
	}
	s.mu.Unlock()
	return tasks.WaitAll(ctx, handles...)
}

// WriteProperties persists one property table for key into the open step.
// It runs on the caller's goroutine. Without an open step the table stays
// memory-only: a read must never open a step of its own.
func (s *Store) WriteProperties(ctx context.Context, name string, key domain.Key, table domain.Table) error {
	step := s.Current()
	if step < 0 {
		s.logger.Debug("no open step, property kept in memory", "property", name, "key", key.String())
		return nil
	}
	var buf bytes.Buffer
	if err := codec.EncodeProperties(&buf, name, table); err != nil {
		return fmt.Errorf("encode %s %s: %w", name, key, err)
	}
	if err := s.replace(ctx, propertyPath(step, name, key), &buf, codec.PropertyContentType); err != nil {
		return err
	}
	return s.note(ctx, step, func(rec *journal.Record) bool { return rec.AddProperty(name, key) })
}

// DropProperties forgets the property tables of key written in the open step.
// They describe a volume that has just been replaced. Tables of older steps
// are left alone: they predate the open step's volume and are never served.
func (s *Store) DropProperties(ctx context.Context, key domain.Key) error {
	step := s.Current()
	if step < 0 {
		return nil
	}
	var names []string
	if err := s.note(ctx, step, func(rec *journal.Record) bool {
		for _, name := range rec.PropertyNames() {
			if rec.RemoveProperty(name, key) {
				names = append(names, name)
			}
		}
		return len(names) > 0
	}); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.blobs.Delete(ctx, propertyPath(step, name, key)); err != nil {
			return fmt.Errorf("drop %s %s: %w", name, key, err)
		}
	}
	if len(names) > 0 {
		s.logger.Debug("outdated property tables dropped", "key", key.String(), "step", step, "properties", names)
	}
	return nil
}

// WriteLineage persists a lineage snapshot into the open step.
func (s *Store) WriteLineage(ctx context.Context, snapshot []byte) error {
	step, err := s.EnsureOpen(ctx)
	if err != nil {
		return err
	}
	if err := s.replace(ctx, lineagePath(step), bytes.NewReader(snapshot), lineageContentType); err != nil {
		return err
	}
	return s.note(ctx, step, func(rec *journal.Record) bool {
		if rec.Lineage {
			return false
		}
		rec.Lineage = true
		return true
	})
}

func (s *Store) replace(ctx context.Context, path string, r io.Reader, contentType string) error {
	if _, err := s.blobs.Delete(ctx, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	if _, err := s.blobs.Put(ctx, path, r, blob.PutOptions{ContentType: contentType, Metadata: map[string]string{"session": s.session}}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// note applies fn to the step record and persists it when fn reports a change.
func (s *Store) note(ctx context.Context, step int, fn func(*journal.Record) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(step)
	if rec == nil || rec.State != journal.StateOpen {
		return fmt.Errorf("step %d is no longer open", step)
	}
	if !fn(rec) {
		return nil
	}
	if err := s.journal.Put(ctx, *rec); err != nil {
		return fmt.Errorf("record step %d: %w", step, err)
	}
	return nil
}

// awaitPending joins an in-flight write of path, so that a lookup never
// misses an artifact whose write was already issued.
func (s *Store) awaitPending(ctx context.Context, path string) {
	s.mu.Lock()
	h := s.pending[path]
	s.mu.Unlock()
	if h != nil {
		_ = h.Wait(ctx)
	}
}

// candidates returns the live steps, newest first, for which has is true.
func (s *Store) candidates(has func(journal.Record) bool) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.State == journal.StateCancelled {
			continue
		}
		if has(rec) {
			out = append(out, rec.Index)
		}
	}
	return out
}

// VolumeStep returns the step holding the newest volume for key, or -1. A
// write still in flight counts for the open step.
func (s *Store) VolumeStep(key domain.Key) int {
	s.mu.Lock()
	if s.open >= 0 && s.pending[volumePath(s.open, key)] != nil {
		open := s.open
		s.mu.Unlock()
		return open
	}
	s.mu.Unlock()
	steps := s.candidates(func(r journal.Record) bool { return r.HasVolume(key) })
	if len(steps) == 0 {
		return -1
	}
	return steps[0]
}

// GetLastVersion returns the newest readable volume for key and the step it
// came from. Missing or corrupt artifacts are skipped with a warning; when no
// step has a readable copy the error matches domain.ErrNotFound.
func (s *Store) GetLastVersion(ctx context.Context, key domain.Key) (*domain.Volume, int, error) {
	if cur := s.Current(); cur >= 0 {
		s.awaitPending(ctx, volumePath(cur, key))
	}
	for _, step := range s.candidates(func(r journal.Record) bool { return r.HasVolume(key) }) {
		s.mu.Lock()
		werr := s.failed[volumePath(step, key)]
		s.mu.Unlock()
		if werr != nil {
			return nil, -1, fmt.Errorf("volume %s of step %d was not persisted: %w", key, step, werr)
		}
		v, err := s.readVolume(ctx, volumePath(step, key))
		if err == nil {
			return v, step, nil
		}
		if ctx.Err() != nil {
			return nil, -1, ctx.Err()
		}
		s.logger.Warn("skipping unreadable volume", "key", key.String(), "step", step, "err", err)
	}
	return nil, -1, domain.NotFoundError{What: "volume", Key: key}
}

func (s *Store) readVolume(ctx context.Context, path string) (*domain.Volume, error) {
	_, rc, err := s.blobs.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return codec.DecodeVolume(rc)
}

// GetLastProperties returns the newest readable table of property name for key
// and its step, with the same fallback rules as GetLastVersion.
func (s *Store) GetLastProperties(ctx context.Context, name string, key domain.Key) (domain.Table, int, error) {
	for _, step := range s.candidates(func(r journal.Record) bool { return r.HasProperty(name, key) }) {
		table, err := s.readProperties(ctx, name, propertyPath(step, name, key))
		if err == nil {
			return table, step, nil
		}
		if ctx.Err() != nil {
			return nil, -1, ctx.Err()
		}
		s.logger.Warn("skipping unreadable properties", "property", name, "key", key.String(), "step", step, "err", err)
	}
	return nil, -1, domain.NotFoundError{What: "property " + name, Key: key}
}

func (s *Store) readProperties(ctx context.Context, name, path string) (domain.Table, error) {
	_, rc, err := s.blobs.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	got, table, err := codec.DecodeProperties(rc)
	if err != nil {
		return nil, err
	}
	if got != name {
		return nil, fmt.Errorf("%w: table holds %q", domain.ErrCorruptArtifact, got)
	}
	return table, nil
}

// LastLineage returns the edges of the newest readable lineage snapshot. A
// session without snapshots has no edges.
func (s *Store) LastLineage(ctx context.Context) ([]domain.Edge, int, error) {
	for _, step := range s.candidates(func(r journal.Record) bool { return r.Lineage }) {
		edges, err := s.readLineage(ctx, step)
		if err == nil {
			return edges, step, nil
		}
		if ctx.Err() != nil {
			return nil, -1, ctx.Err()
		}
		s.logger.Warn("skipping unreadable lineage", "step", step, "err", err)
	}
	return nil, -1, nil
}

func (s *Store) readLineage(ctx context.Context, step int) ([]domain.Edge, error) {
	_, rc, err := s.blobs.Get(ctx, lineagePath(step))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return lineage.UnmarshalSnapshot(data)
}

// VolumeKeys returns every key with a persisted volume in a live step.
func (s *Store) VolumeKeys() []domain.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[domain.Key]struct{})
	for _, rec := range s.records {
		if rec.State == journal.StateCancelled {
			continue
		}
		for _, k := range rec.Volumes {
			seen[k] = struct{}{}
		}
	}
	out := make([]domain.Key, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	domain.SortKeys(out)
	return out
}

// PropertyKeys returns, per property name, every key with a persisted table.
func (s *Store) PropertyKeys() map[string][]domain.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]domain.Key)
	for _, rec := range s.records {
		if rec.State == journal.StateCancelled {
			continue
		}
		for name, keys := range rec.Properties {
			for _, k := range keys {
				if !slices.Contains(out[name], k) {
					out[name] = append(out[name], k)
				}
			}
		}
	}
	for _, keys := range out {
		domain.SortKeys(keys)
	}
	return out
}

// Cancel rolls back the most recent step. It joins the step's pending writes,
// marks it cancelled in the journal, deletes its artifacts and finally drops
// the record. Step 0 cannot be cancelled. A failure after the journal update
// leaves the step marked cancelled; the next Open finishes the job.
func (s *Store) Cancel(ctx context.Context) (rb Rollback, err error) {
	defer s.metrics.Track(ctx, "cancel", time.Now(), &err)
	s.mu.Lock()
	if len(s.records) == 0 || s.lastLocked() == 0 {
		s.mu.Unlock()
		return Rollback{}, domain.ErrNothingToCancel
	}
	s.mu.Unlock()

	if err := s.Flush(ctx); err != nil {
		if ctx.Err() != nil {
			return Rollback{}, ctx.Err()
		}
		// every touched key is in the record, so the rollback covers it
		s.logger.Warn("pending write failed before cancel", "err", err)
	}

	s.mu.Lock()
	rec := &s.records[len(s.records)-1]
	snapshot := rec.Clone()
	snapshot.State = journal.StateCancelled
	err = s.journal.Put(ctx, snapshot)
	if err == nil {
		rec.State = journal.StateCancelled
		s.open = -1
	}
	s.mu.Unlock()
	if err != nil {
		return Rollback{}, fmt.Errorf("mark step %d cancelled: %w", snapshot.Index, err)
	}

	if err := s.purge(ctx, snapshot.Index); err != nil {
		return Rollback{}, fmt.Errorf("cancel step %d: %w", snapshot.Index, err)
	}

	s.mu.Lock()
	s.records = s.records[:len(s.records)-1]
	s.open = -1
	clear(s.pending)
	clear(s.pendingKeys)
	for path := range s.failed {
		if strings.HasPrefix(path, stepPrefix(snapshot.Index)) {
			delete(s.failed, path)
		}
	}
	s.mu.Unlock()

	rb = Rollback{
		Step:           snapshot.Index,
		Description:    snapshot.Description,
		Volumes:        snapshot.Volumes,
		Properties:     snapshot.Properties,
		LineageChanged: snapshot.Lineage,
	}
	if rb.LineageChanged {
		edges, _, err := s.LastLineage(ctx)
		if err != nil {
			return rb, err
		}
		rb.Lineage = edges
	}
	s.logger.Info("step cancelled", "step", rb.Step, "description", rb.Description, "keys", len(rb.Keys()))
	return rb, nil
}

func (s *Store) purge(ctx context.Context, step int) error {
	n, err := s.blobs.DeletePrefix(ctx, stepPrefix(step))
	if err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	if err := s.journal.Delete(ctx, step); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	s.logger.Debug("step artifacts deleted", "step", step, "artifacts", n)
	return nil
}

// Close ends the open step and closes the journal.
func (s *Store) Close(ctx context.Context) error {
	return errors.Join(s.EndStep(ctx), s.journal.Close())
}
