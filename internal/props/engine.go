// Package props maintains derived per-object measurements. Tables are keyed by
// (time point, channel) then object id; each (property, key) pair carries a
// completeness state that decides whether a cached value may be served.
//
// At most one computation task runs per key. A request that finds a task in
// flight waits for it instead of launching another, and every invalidation
// bumps a per-key generation so a result computed from an outdated volume is
// discarded rather than installed.
package props

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"voxelcurate/internal/registry"
	"voxelcurate/internal/tasks"
	"voxelcurate/internal/telemetry"
	"voxelcurate/pkg/domain"
)

var errStalePersisted = errors.New("persisted table predates volume")

// VolumeSource returns the current volume of a key. Implementations must not
// block on property computation.
type VolumeSource interface {
	Volume(ctx context.Context, key domain.Key) (*domain.Volume, error)
}

// Persister stores and retrieves property tables.
type Persister interface {
	WriteProperties(ctx context.Context, name string, key domain.Key, table domain.Table) error
	GetLastProperties(ctx context.Context, name string, key domain.Key) (domain.Table, int, error)
	// VolumeStep returns the step holding the newest volume of key, or -1.
	VolumeStep(key domain.Key) int
	// DropProperties forgets tables of key persisted since its volume was
	// last written; they describe the volume being replaced.
	DropProperties(ctx context.Context, key domain.Key) error
}

type state int

const (
	// stateEmpty: no value may be served.
	stateEmpty state = iota
	// statePartial: values are valid except for the ids in stale.
	statePartial
	// stateComplete: values cover every object of the key.
	stateComplete
)

type table struct {
	state  state
	values domain.Table
	stale  domain.IDSet
	// dirty forbids serving the persisted copy: the volume changed after it
	// was written.
	dirty bool
}

type lookup int

const (
	unknown lookup = iota
	found
	absent
)

func (t *table) lookup(id domain.ObjectID) (domain.Value, lookup) {
	switch t.state {
	case stateComplete:
	case statePartial:
		if t.stale.Has(id) {
			return nil, unknown
		}
	default:
		return nil, unknown
	}
	if v, ok := t.values[id]; ok {
		return v, found
	}
	return nil, absent
}

type keyState struct {
	gen    uint64
	flight *Flight
	tables map[string]*table
}

func (ks *keyState) table(name string) *table {
	t := ks.tables[name]
	if t == nil {
		t = &table{}
		ks.tables[name] = t
	}
	return t
}

// Flight is one computation task for a key.
type Flight struct {
	key   domain.Key
	names []string
	done  chan struct{}
	err   error
}

func newFlight(key domain.Key, names []string) *Flight {
	return &Flight{key: key, names: names, done: make(chan struct{})}
}

func completedFlight(key domain.Key) *Flight {
	f := newFlight(key, nil)
	close(f.done)
	return f
}

// Names lists the properties the task computes.
func (f *Flight) Names() []string { return slices.Clone(f.names) }

// Done is closed when the task has finished.
func (f *Flight) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx ends.
func (f *Flight) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Flight) covers(name string) bool { return slices.Contains(f.names, name) }

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRegistry shares the object registry used for property back-references.
func WithRegistry(r *registry.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.reg = r
		}
	}
}

// Engine schedules and caches property computation.
type Engine struct {
	pool    *tasks.Pool
	source  VolumeSource
	store   Persister
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *telemetry.Metrics
	reads   singleflight.Group

	launches atomic.Int64

	// persistMu orders table writes against the drop done by Invalidate.
	// Taken before mu.
	persistMu sync.Mutex

	mu    sync.Mutex
	kinds map[string]Kind
	keys  map[domain.Key]*keyState
}

// New returns an engine with no registered kinds.
func New(pool *tasks.Pool, source VolumeSource, store Persister, opts ...Option) *Engine {
	e := &Engine{
		pool:   pool,
		source: source,
		store:  store,
		reg:    registry.New(),
		logger: slog.Default(),
		kinds:  make(map[string]Kind),
		keys:   make(map[domain.Key]*keyState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a kind. Every key already known gets a not-computed table for
// it, so the new property is computed on first access like any other.
func (e *Engine) Register(k Kind) error {
	name := k.Name()
	if name == "" {
		return fmt.Errorf("property kind needs a name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.kinds[name]; ok {
		return fmt.Errorf("property %q already registered", name)
	}
	e.kinds[name] = k
	for _, ks := range e.keys {
		ks.tables[name] = &table{}
	}
	return nil
}

// Names returns the registered property names, sorted.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.namesLocked()
}

func (e *Engine) namesLocked() []string {
	out := make([]string, 0, len(e.kinds))
	for name := range e.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Known reports whether name is registered.
func (e *Engine) Known(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.kinds[name]
	return ok
}

// Launches returns how many computation tasks have been started.
func (e *Engine) Launches() int64 { return e.launches.Load() }

func (e *Engine) stateLocked(key domain.Key) *keyState {
	ks := e.keys[key]
	if ks == nil {
		ks = &keyState{tables: make(map[string]*table, len(e.kinds))}
		for name := range e.kinds {
			ks.tables[name] = &table{}
		}
		e.keys[key] = ks
	}
	return ks
}

// Computed reports the completeness flag of every registered property for key.
func (e *Engine) Computed(key domain.Key) map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ks := e.stateLocked(key)
	out := make(map[string]bool, len(e.kinds))
	for name := range e.kinds {
		out[name] = ks.table(name).state == stateComplete
	}
	return out
}

// Compute makes sure a task computing names for key is running or has run.
// If a task is already in flight the call waits for it and then launches only
// what is still missing. Names that are already complete are skipped; when
// nothing is left the returned flight is already done.
func (e *Engine) Compute(ctx context.Context, key domain.Key, names ...string) (*Flight, error) {
	for _, name := range names {
		if !e.Known(name) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProperty, name)
		}
	}
	for {
		e.mu.Lock()
		ks := e.stateLocked(key)
		if f := ks.flight; f != nil {
			e.mu.Unlock()
			_ = f.Wait(ctx)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		var needed []string
		for _, name := range names {
			if ks.table(name).state != stateComplete && !slices.Contains(needed, name) {
				needed = append(needed, name)
			}
		}
		if len(needed) == 0 {
			e.mu.Unlock()
			return completedFlight(key), nil
		}
		f := newFlight(key, needed)
		ks.flight = f
		e.mu.Unlock()

		e.launches.Add(1)
		for _, name := range needed {
			e.metrics.PropertyLaunched(name)
		}
		if _, err := e.pool.Submit(ctx, "compute "+key.String(), func(ctx context.Context) error {
			return e.run(ctx, f)
		}); err != nil {
			e.finish(f, err)
			return nil, err
		}
		return f, nil
	}
}

type plan struct {
	name string
	kind Kind
	ids  domain.IDSet
}

func (e *Engine) run(ctx context.Context, f *Flight) (err error) {
	defer func() { e.finish(f, err) }()
	key := f.key

	e.mu.Lock()
	ks := e.stateLocked(key)
	gen := ks.gen
	plans := make([]plan, 0, len(f.names))
	for _, name := range f.names {
		t := ks.table(name)
		p := plan{name: name, kind: e.kinds[name]}
		if t.state == statePartial {
			p.ids = make(domain.IDSet, len(t.stale))
			for id := range t.stale {
				p.ids[id] = struct{}{}
			}
		}
		plans = append(plans, p)
	}
	e.mu.Unlock()

	vol, err := e.source.Volume(ctx, key)
	if err != nil {
		return fmt.Errorf("volume %s: %w", key, err)
	}

	var errs []error
	results := make(map[string]domain.Table, len(plans))
	for _, p := range plans {
		tbl, err := p.kind.Compute(vol, p.ids)
		if err != nil {
			e.metrics.PropertyFailed(p.name)
			e.logger.Warn("property computation failed", "property", p.name, "key", key.String(), "err", err)
			errs = append(errs, fmt.Errorf("%w: %s at %s: %v", domain.ErrComputeFailure, p.name, key, err))
			continue
		}
		results[p.name] = tbl
	}

	type write struct {
		name  string
		table domain.Table
	}
	var writes []write
	var noted, forgotten []domain.ObjectRef
	var notedNames, forgottenNames []string

	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.mu.Lock()
	if e.keys[key] != ks || ks.gen != gen {
		e.mu.Unlock()
		e.logger.Debug("discarding outdated property result", "key", key.String())
		return errors.Join(errs...)
	}
	for _, p := range plans {
		res, ok := results[p.name]
		if !ok {
			continue
		}
		t := ks.table(p.name)
		if p.ids != nil && t.state == statePartial {
			if t.values == nil {
				t.values = make(domain.Table)
			}
			for id := range p.ids {
				ref := domain.ObjectRef{Key: key, ID: id}
				if v, ok := res[id]; ok {
					t.values[id] = v
					noted, notedNames = append(noted, ref), append(notedNames, p.name)
				} else {
					delete(t.values, id)
					forgotten, forgottenNames = append(forgotten, ref), append(forgottenNames, p.name)
				}
			}
		} else {
			t.values = res
			for id := range res {
				noted, notedNames = append(noted, domain.ObjectRef{Key: key, ID: id}), append(notedNames, p.name)
			}
		}
		t.state = stateComplete
		t.stale = nil
		writes = append(writes, write{name: p.name, table: t.values.Clone()})
	}
	e.mu.Unlock()

	for i, ref := range noted {
		e.reg.NoteProperty(ref, notedNames[i])
	}
	for i, ref := range forgotten {
		e.reg.ForgetProperty(ref, forgottenNames[i])
	}
	if e.store != nil {
		for _, w := range writes {
			if err := e.store.WriteProperties(ctx, w.name, key, w.table); err != nil {
				e.logger.Warn("persisting properties failed", "property", w.name, "key", key.String(), "err", err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) finish(f *Flight, err error) {
	e.mu.Lock()
	if ks := e.keys[f.key]; ks != nil && ks.flight == f {
		ks.flight = nil
	}
	e.mu.Unlock()
	f.err = err
	close(f.done)
}

func (e *Engine) flight(key domain.Key) *Flight {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ks := e.keys[key]; ks != nil {
		return ks.flight
	}
	return nil
}

func (e *Engine) complete(name string, key domain.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(key).table(name).state == stateComplete
}

// Get returns the value of property name for ref. A valid value is returned
// immediately; otherwise the call waits for an in-flight task, then tries the
// persisted table, then computes synchronously. An object without a value in
// a complete table yields domain.ErrNotFound; a failed computation yields
// domain.ErrNotAvailable.
func (e *Engine) Get(ctx context.Context, name string, ref domain.ObjectRef) (domain.Value, error) {
	if !e.Known(name) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProperty, name)
	}
	for attempt := 0; attempt < 2; attempt++ {
		v, res := e.peek(name, ref)
		switch res {
		case found:
			return slices.Clone(v), nil
		case absent:
			return nil, fmt.Errorf("%w: %s has no %s", domain.ErrNotFound, ref, name)
		}
		if attempt > 0 {
			break
		}
		if err := e.ensure(ctx, name, ref.Key); err != nil {
			if errors.Is(err, domain.ErrNotFound) || ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s of %s: %v", domain.ErrNotAvailable, name, ref, err)
		}
	}
	return nil, fmt.Errorf("%w: %s of %s", domain.ErrNotAvailable, name, ref)
}

// GetAt returns a copy of the whole table of property name for key.
func (e *Engine) GetAt(ctx context.Context, name string, key domain.Key) (domain.Table, error) {
	if !e.Known(name) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProperty, name)
	}
	if !e.complete(name, key) {
		if err := e.ensure(ctx, name, key); err != nil {
			if errors.Is(err, domain.ErrNotFound) || ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s at %s: %v", domain.ErrNotAvailable, name, key, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.stateLocked(key).table(name)
	if t.state != stateComplete {
		return nil, fmt.Errorf("%w: %s at %s", domain.ErrNotAvailable, name, key)
	}
	return t.values.Clone(), nil
}

func (e *Engine) peek(name string, ref domain.ObjectRef) (domain.Value, lookup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(ref.Key).table(name).lookup(ref.ID)
}

// ensure brings the table of name at key to the complete state.
func (e *Engine) ensure(ctx context.Context, name string, key domain.Key) error {
	if f := e.flight(key); f != nil && f.covers(name) {
		_ = f.Wait(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.complete(name, key) {
			return nil
		}
	}
	if e.loadPersisted(ctx, name, key) {
		return nil
	}
	f, err := e.Compute(ctx, key, name)
	if err != nil {
		return err
	}
	werr := f.Wait(ctx)
	if e.complete(name, key) {
		return nil
	}
	if werr != nil {
		return werr
	}
	return fmt.Errorf("%w: %s at %s", domain.ErrNotAvailable, name, key)
}

// loadPersisted installs the newest persisted table when it is at least as
// recent as the key's volume and nothing invalidated the key since.
func (e *Engine) loadPersisted(ctx context.Context, name string, key domain.Key) bool {
	if e.store == nil {
		return false
	}
	e.mu.Lock()
	ks := e.stateLocked(key)
	t := ks.table(name)
	if t.state != stateEmpty || t.dirty {
		e.mu.Unlock()
		return false
	}
	gen := ks.gen
	e.mu.Unlock()

	res, err, _ := e.reads.Do(name+"|"+key.String(), func() (any, error) {
		tbl, step, err := e.store.GetLastProperties(ctx, name, key)
		if err != nil {
			return nil, err
		}
		if vs := e.store.VolumeStep(key); step < vs {
			return nil, fmt.Errorf("%w: step %d < %d", errStalePersisted, step, vs)
		}
		return tbl, nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.Debug("persisted properties unusable", "property", name, "key", key.String(), "err", err)
		}
		return false
	}
	tbl := res.(domain.Table).Clone()

	e.mu.Lock()
	if e.keys[key] != ks || ks.gen != gen || t.state != stateEmpty {
		complete := e.keys[key] == ks && t.state == stateComplete
		e.mu.Unlock()
		return complete
	}
	t.values = tbl
	t.state = stateComplete
	e.mu.Unlock()
	for id := range tbl {
		e.reg.NoteProperty(domain.ObjectRef{Key: key, ID: id}, name)
	}
	return true
}

// Invalidate records an edit of key. With touched == nil every property of
// the key is marked not computed; otherwise only the touched ids are purged
// and the remaining values stay valid. An in-flight task for the key is
// joined first, and tables persisted for the replaced volume are dropped so
// a later read from storage can not serve them.
func (e *Engine) Invalidate(ctx context.Context, key domain.Key, touched domain.IDSet) error {
	if f := e.flight(key); f != nil {
		_ = f.Wait(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	var forget []domain.ObjectRef
	var forgetNames []string
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.mu.Lock()
	ks := e.stateLocked(key)
	ks.gen++
	for name := range e.kinds {
		t := ks.table(name)
		if touched == nil || t.state == stateEmpty {
			for id := range t.values {
				forget, forgetNames = append(forget, domain.ObjectRef{Key: key, ID: id}), append(forgetNames, name)
			}
			*t = table{dirty: true}
			continue
		}
		if t.stale == nil {
			t.stale = make(domain.IDSet, len(touched))
		}
		for id := range touched {
			if id == domain.Background {
				continue
			}
			if _, ok := t.values[id]; ok {
				delete(t.values, id)
				forget, forgetNames = append(forget, domain.ObjectRef{Key: key, ID: id}), append(forgetNames, name)
			}
			t.stale[id] = struct{}{}
		}
		t.state = statePartial
		t.dirty = true
	}
	e.mu.Unlock()
	for i, ref := range forget {
		e.reg.ForgetProperty(ref, forgetNames[i])
	}
	if e.store != nil {
		if err := e.store.DropProperties(ctx, key); err != nil {
			return fmt.Errorf("drop outdated properties of %s: %w", key, err)
		}
	}
	return nil
}

// Purge removes every property value of a deleted object.
func (e *Engine) Purge(ref domain.ObjectRef) {
	var names []string
	e.mu.Lock()
	if ks := e.keys[ref.Key]; ks != nil {
		for name, t := range ks.tables {
			if _, ok := t.values[ref.ID]; ok {
				delete(t.values, ref.ID)
				names = append(names, name)
			}
			delete(t.stale, ref.ID)
		}
	}
	e.mu.Unlock()
	for _, name := range names {
		e.reg.ForgetProperty(ref, name)
	}
}

// Reset forgets everything known about key after joining its task, so the
// next access reads the persisted tables again. Used after a cancel.
func (e *Engine) Reset(ctx context.Context, key domain.Key) error {
	if f := e.flight(key); f != nil {
		_ = f.Wait(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	ks := e.keys[key]
	delete(e.keys, key)
	e.mu.Unlock()
	if ks == nil {
		return nil
	}
	for name, t := range ks.tables {
		for id := range t.values {
			e.reg.ForgetProperty(domain.ObjectRef{Key: key, ID: id}, name)
		}
	}
	return nil
}

// WaitForPending joins the tasks of every key at time point t.
func (e *Engine) WaitForPending(ctx context.Context, t int) error {
	return e.wait(ctx, func(k domain.Key) bool { return k.T == t })
}

// WaitAll joins every in-flight task.
func (e *Engine) WaitAll(ctx context.Context) error {
	return e.wait(ctx, func(domain.Key) bool { return true })
}

func (e *Engine) wait(ctx context.Context, match func(domain.Key) bool) error {
	e.mu.Lock()
	var flights []*Flight
	for k, ks := range e.keys {
		if ks.flight != nil && match(k) {
			flights = append(flights, ks.flight)
		}
	}
	e.mu.Unlock()
	for _, f := range flights {
		_ = f.Wait(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
