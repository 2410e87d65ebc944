// Package dataset is the curation session façade. It owns the volume cache,
// the step history, the property engine and the lineage graph, and is the
// only component that installs or evicts resident volumes.
//
// Per key a volume moves from unloaded to cached-clean on first read, to
// cached-dirty on SetVolume and to persisted once its step ends; cancelling
// that step brings the key back to the previous persisted version. Edits of
// one key are serialized; property computation runs on its own pool and is
// joined before a step is declared durable.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"voxelcurate/internal/blob"
	"voxelcurate/internal/journal"
	"voxelcurate/internal/lineage"
	"voxelcurate/internal/props"
	"voxelcurate/internal/registry"
	"voxelcurate/internal/steps"
	"voxelcurate/internal/tasks"
	"voxelcurate/internal/telemetry"
	"voxelcurate/internal/volcache"
	"voxelcurate/pkg/domain"
)

const maxWarnings = 64

// MeshNotifier is told when the volume of a key changed, so an external mesh
// generator can rebuild it.
type MeshNotifier interface {
	VolumeChanged(key domain.Key)
}

// MeshFunc adapts a function to MeshNotifier.
type MeshFunc func(key domain.Key)

func (f MeshFunc) VolumeChanged(key domain.Key) { f(key) }

// Options wires a Dataset. Blobs and Journal are required.
type Options struct {
	Blobs   blob.Store
	Journal journal.Journal
	// CacheBudget bounds resident volume bytes.
	CacheBudget int64
	Workers     int
	Queue       int
	// Eager lists properties computed in the background after every edit.
	Eager []string
	// Kinds are registered in addition to the built-in ones.
	Kinds   []props.Kind
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Mesh    MeshNotifier
}

type geometry struct {
	dims  domain.Dims
	voxel domain.VoxelSize
}

// Dataset is safe for concurrent use. Step control (StartStep, EndStep,
// Cancel) is expected to come from a single control goroutine.
type Dataset struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	mesh    MeshNotifier
	eager   []string
	workers int

	writes  *tasks.Pool
	compute *tasks.Pool
	steps   *steps.Store
	cache   *volcache.Cache
	props   *props.Engine
	graph   *lineage.Graph
	reg     *registry.Registry
	locks   keyLocks

	geoMu sync.Mutex
	geo   *geometry

	warnMu   sync.Mutex
	warnings []error
}

// Open builds a session over opts.Blobs and opts.Journal, recovering the step
// history and the newest lineage snapshot.
func Open(ctx context.Context, opts Options) (_ *Dataset, err error) {
	if opts.Blobs == nil || opts.Journal == nil {
		return nil, fmt.Errorf("dataset needs a blob store and a journal")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	// writes never wait on computations, so the two pools cannot starve each other
	poolOpts := tasks.Options{Workers: workers, Queue: opts.Queue, Logger: logger, Recorder: opts.Metrics}
	writes, compute := tasks.New(poolOpts), tasks.New(poolOpts)
	writes.Start()
	compute.Start()
	defer func() {
		if err != nil {
			_ = compute.Stop(context.WithoutCancel(ctx))
			_ = writes.Stop(context.WithoutCancel(ctx))
		}
	}()

	st, err := steps.Open(ctx, opts.Blobs, opts.Journal, writes, steps.WithLogger(logger), steps.WithMetrics(opts.Metrics))
	if err != nil {
		return nil, fmt.Errorf("open steps: %w", err)
	}
	reg := registry.New()
	d := &Dataset{
		logger:  logger,
		metrics: opts.Metrics,
		mesh:    opts.Mesh,
		eager:   slices.Clone(opts.Eager),
		workers: workers,
		writes:  writes,
		compute: compute,
		steps:   st,
		graph:   lineage.New(reg),
		reg:     reg,
		locks:   keyLocks{locks: make(map[domain.Key]*sync.Mutex)},
	}
	d.cache, err = volcache.New(opts.CacheBudget, st,
		volcache.WithLogger(logger),
		volcache.WithMetrics(opts.Metrics),
		volcache.WithEvictHook(d.beforeEvict),
		volcache.WithWarnings(d.warn),
	)
	if err != nil {
		return nil, err
	}
	d.props = props.New(compute, volumeSource{d}, st,
		props.WithLogger(logger),
		props.WithMetrics(opts.Metrics),
		props.WithRegistry(reg),
	)
	for _, k := range append(props.Builtins(), opts.Kinds...) {
		if err := d.props.Register(k); err != nil {
			return nil, err
		}
	}
	for _, name := range d.eager {
		if !d.props.Known(name) {
			return nil, fmt.Errorf("eager %w: %s", domain.ErrUnknownProperty, name)
		}
	}
	edges, step, err := st.LastLineage(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lineage: %w", err)
	}
	if err := d.graph.Restore(edges); err != nil {
		return nil, fmt.Errorf("restore lineage from step %d: %w", step, err)
	}
	logger.Info("session opened", "session", st.Session(), "steps", len(st.History()), "edges", len(edges))
	return d, nil
}

// volumeSource feeds property tasks. It never admits into the cache, so a
// computation can not trigger an eviction that waits for computations.
type volumeSource struct{ d *Dataset }

func (s volumeSource) Volume(ctx context.Context, key domain.Key) (*domain.Volume, error) {
	if v, ok := s.d.cache.Peek(key); ok {
		return v, nil
	}
	v, _, err := s.d.steps.GetLastVersion(ctx, key)
	return v, err
}

// beforeEvict joins the background work of time point t: property tasks
// first, since they may still read the resident volume, then pending writes.
func (d *Dataset) beforeEvict(ctx context.Context, t int) {
	if err := d.props.WaitForPending(ctx, t); err != nil {
		d.logger.Warn("waiting for property tasks before eviction", "t", t, "err", err)
	}
	if err := d.steps.WaitWrites(ctx, t); err != nil {
		d.logger.Warn("pending write failed before eviction", "t", t, "err", err)
	}
}

func (d *Dataset) warn(err error) {
	d.warnMu.Lock()
	defer d.warnMu.Unlock()
	d.warnings = append(d.warnings, err)
	if n := len(d.warnings); n > maxWarnings {
		d.warnings = slices.Delete(d.warnings, 0, n-maxWarnings)
	}
}

// Warnings returns the most recent non-fatal problems, oldest first.
func (d *Dataset) Warnings() []error {
	d.warnMu.Lock()
	defer d.warnMu.Unlock()
	return slices.Clone(d.warnings)
}

func (d *Dataset) notify(key domain.Key) {
	if d.mesh != nil {
		d.mesh.VolumeChanged(key)
	}
}

// Dims returns the dataset geometry once a volume has been set or loaded.
func (d *Dataset) Dims() (domain.Dims, domain.VoxelSize, bool) {
	d.geoMu.Lock()
	defer d.geoMu.Unlock()
	if d.geo == nil {
		return domain.Dims{}, domain.VoxelSize{}, false
	}
	return d.geo.dims, d.geo.voxel, true
}

// adoptGeometry fixes the dataset extents on first use and rejects volumes
// whose extents differ afterwards.
func (d *Dataset) adoptGeometry(v *domain.Volume) error {
	d.geoMu.Lock()
	defer d.geoMu.Unlock()
	if d.geo == nil {
		d.geo = &geometry{dims: v.Dims, voxel: v.Voxel}
		return nil
	}
	if v.Dims != d.geo.dims {
		return fmt.Errorf("%w: got %s, dataset is %s", domain.ErrDimensionMismatch, v.Dims, d.geo.dims)
	}
	return nil
}

// SetVolume installs v as the new content of key; it is the entry point of
// every edit. touched lists the ids the edit changed; nil means the whole
// volume was replaced. Objects that vanished are deleted with their lineage
// edges and property values.
func (d *Dataset) SetVolume(ctx context.Context, key domain.Key, v *domain.Volume, touched domain.IDSet) (err error) {
	defer d.metrics.Track(ctx, "set_volume", time.Now(), &err)
	if err := v.Validate(); err != nil {
		return fmt.Errorf("set volume %s: %w", key, err)
	}
	unlock := d.locks.lock(key)
	defer unlock()
	return d.setLocked(ctx, key, v.Clone(), touched)
}

func (d *Dataset) setLocked(ctx context.Context, key domain.Key, v *domain.Volume, touched domain.IDSet) error {
	if err := d.adoptGeometry(v); err != nil {
		return err
	}
	if _, err := d.steps.WriteVolume(ctx, key, v); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	d.cache.Set(ctx, key, v)
	if err := d.props.Invalidate(ctx, key, touched); err != nil {
		return err
	}

	present := v.IDs()
	var vanished []domain.ObjectID
	if touched == nil {
		vanished = d.reg.Absent(key, present)
	} else {
		kept := make(domain.IDSet, len(touched))
		for _, id := range touched.Sorted() {
			switch {
			case id == domain.Background:
			case present.Has(id):
				kept[id] = struct{}{}
			default:
				vanished = append(vanished, id)
			}
		}
		d.reg.Sync(key, kept)
	}
	for _, id := range vanished {
		d.dropObject(domain.ObjectRef{Key: key, ID: id})
	}
	d.logger.Debug("volume set", "key", key.String(), "touched", len(touched), "vanished", len(vanished))
	d.notify(key)

	if len(d.eager) > 0 {
		if _, err := d.props.Compute(ctx, key, d.eager...); err != nil {
			d.logger.Warn("eager property computation not started", "key", key.String(), "err", err)
		}
	}
	return nil
}

// dropObject removes lineage edges, then property values, then the identity.
func (d *Dataset) dropObject(ref domain.ObjectRef) {
	edges := d.graph.Detach(ref)
	d.props.Purge(ref)
	d.reg.Drop(ref)
	if len(edges) > 0 {
		d.logger.Debug("object deleted", "object", ref.String(), "edges", len(edges))
	}
}

// GetVolume returns a copy of the current volume of key. A key with no
// readable version yields an empty volume of the dataset geometry and a
// warning; before any geometry is known the not-found error is returned.
func (d *Dataset) GetVolume(ctx context.Context, key domain.Key) (*domain.Volume, error) {
	v, err := d.cache.Get(ctx, key)
	if err == nil {
		if gerr := d.adoptGeometry(v); gerr != nil {
			d.warn(fmt.Errorf("volume %s: %w", key, gerr))
		}
		return v.Clone(), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	dims, voxel, ok := d.Dims()
	if !ok {
		return nil, err
	}
	d.logger.Warn("no volume, serving empty", "key", key.String())
	d.warn(fmt.Errorf("volume %s: %w", key, err))
	return domain.NewVolume(dims, voxel), nil
}

// Objects returns the ids present in the current volume of key.
func (d *Dataset) Objects(ctx context.Context, key domain.Key) ([]domain.ObjectID, error) {
	v, err := d.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.IDs().Sorted(), nil
}

// GetProperty returns property name of one object.
func (d *Dataset) GetProperty(ctx context.Context, name string, ref domain.ObjectRef) (domain.Value, error) {
	return d.props.Get(ctx, name, ref)
}

// GetPropertyAt returns the table of property name for every object of key.
func (d *Dataset) GetPropertyAt(ctx context.Context, name string, key domain.Key) (domain.Table, error) {
	return d.props.GetAt(ctx, name, key)
}

// Properties lists the registered property names.
func (d *Dataset) Properties() []string { return d.props.Names() }

// RegisterProperty adds a property kind; existing keys see it as not computed.
func (d *Dataset) RegisterProperty(k props.Kind) error { return d.props.Register(k) }

// Computed reports which properties of key currently hold a complete table.
func (d *Dataset) Computed(key domain.Key) map[string]bool { return d.props.Computed(key) }

// DeleteObject erases ref from its volume as an edit.
func (d *Dataset) DeleteObject(ctx context.Context, ref domain.ObjectRef) error {
	unlock := d.locks.lock(ref.Key)
	defer unlock()
	cur, err := d.cache.Get(ctx, ref.Key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.dropObject(ref)
			return nil
		}
		return err
	}
	v := cur.Clone()
	erased := 0
	for i, id := range v.Labels {
		if id == ref.ID {
			v.Labels[i] = domain.Background
			erased++
		}
	}
	if erased == 0 {
		d.dropObject(ref)
		return nil
	}
	return d.setLocked(ctx, ref.Key, v, domain.NewIDSet(ref.ID))
}

// StartStep ends the open step and opens a new one.
func (d *Dataset) StartStep(ctx context.Context, description string) (int, error) {
	if err := d.EndStep(ctx); err != nil {
		return -1, err
	}
	return d.steps.StartStep(ctx, description)
}

// EndStep joins property computation and pending writes, persists the lineage
// snapshot when it changed, and closes the open step.
func (d *Dataset) EndStep(ctx context.Context) error {
	if d.steps.Current() < 0 {
		return nil
	}
	if err := d.props.WaitAll(ctx); err != nil {
		return err
	}
	if d.graph.Changed() {
		snapshot, err := d.graph.MarshalSnapshot()
		if err != nil {
			return err
		}
		if err := d.steps.WriteLineage(ctx, snapshot); err != nil {
			return fmt.Errorf("persist lineage: %w", err)
		}
		d.graph.MarkClean()
	}
	return d.steps.EndStep(ctx)
}

// Cancel undoes the most recent step. It blocks until every background task
// of the step has joined, restores the previous version of each touched key
// and the previous lineage, and returns what was rolled back.
func (d *Dataset) Cancel(ctx context.Context) (steps.Rollback, error) {
	if err := d.props.WaitAll(ctx); err != nil {
		return steps.Rollback{}, err
	}
	lineageDirty := d.graph.Changed()
	rb, err := d.steps.Cancel(ctx)
	if err != nil {
		return rb, err
	}
	for _, key := range rb.Volumes {
		if err := d.restore(ctx, key); err != nil {
			return rb, fmt.Errorf("restore %s: %w", key, err)
		}
	}
	for _, key := range rb.Keys() {
		if err := d.props.Reset(ctx, key); err != nil {
			return rb, err
		}
	}
	if rb.LineageChanged || lineageDirty {
		edges := rb.Lineage
		if !rb.LineageChanged {
			if edges, _, err = d.steps.LastLineage(ctx); err != nil {
				return rb, err
			}
		}
		if err := d.graph.Restore(edges); err != nil {
			return rb, err
		}
	}
	return rb, nil
}

// restore reloads the newest remaining version of key and drops objects that
// only existed in the cancelled step.
func (d *Dataset) restore(ctx context.Context, key domain.Key) error {
	unlock := d.locks.lock(key)
	defer unlock()
	resident := d.cache.Unload(key)
	present := domain.IDSet{}
	v, step, err := d.steps.GetLastVersion(ctx, key)
	switch {
	case err == nil:
		present = v.IDs()
		if resident {
			d.cache.Set(ctx, key, v)
		}
	case errors.Is(err, domain.ErrNotFound):
		step = -1
	default:
		return err
	}
	for _, id := range d.reg.Absent(key, present) {
		d.dropObject(domain.ObjectRef{Key: key, ID: id})
	}
	d.logger.Debug("volume restored", "key", key.String(), "step", step, "resident", resident)
	d.notify(key)
	return nil
}

// History lists the live steps, oldest first.
func (d *Dataset) History() []journal.Record { return d.steps.History() }

// CurrentStep returns the open step or -1.
func (d *Dataset) CurrentStep() int { return d.steps.Current() }

// Resident returns the bytes held by the volume cache.
func (d *Dataset) Resident() int64 { return d.cache.Resident() }

// Close ends the open step, stops both pools and closes the journal.
func (d *Dataset) Close(ctx context.Context) error {
	err := d.EndStep(ctx)
	return errors.Join(err,
		d.compute.Stop(ctx),
		d.writes.Stop(ctx),
		d.steps.Close(ctx),
	)
}

type keyLocks struct {
	mu    sync.Mutex
	locks map[domain.Key]*sync.Mutex
}

func (l *keyLocks) lock(key domain.Key) func() {
	l.mu.Lock()
	m := l.locks[key]
	if m == nil {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
