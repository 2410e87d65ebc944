package props

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"voxelcurate/internal/registry"
	"voxelcurate/internal/tasks"
	"voxelcurate/internal/telemetry"
	"voxelcurate/pkg/domain"
)

type fakeSource struct {
	mu      sync.Mutex
	volumes map[domain.Key]*domain.Volume
	entered chan struct{}
	gate    chan struct{}
}

func (s *fakeSource) set(k domain.Key, v *domain.Volume) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[k] = v
}

func (s *fakeSource) Volume(_ context.Context, k domain.Key) (*domain.Volume, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[k]
	if !ok {
		return nil, domain.NotFoundError{What: "volume", Key: k}
	}
	return v, nil
}

type persisted struct {
	table domain.Table
	step  int
}

type fakeStore struct {
	mu         sync.Mutex
	tables     map[string]persisted
	volumeStep int
	writes     int
}

func newFakeStore() *fakeStore { return &fakeStore{tables: map[string]persisted{}, volumeStep: -1} }

func (s *fakeStore) WriteProperties(_ context.Context, name string, k domain.Key, t domain.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.tables[name+k.String()] = persisted{table: t.Clone(), step: s.volumeStep}
	return nil
}

func (s *fakeStore) GetLastProperties(_ context.Context, name string, k domain.Key) (domain.Table, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tables[name+k.String()]
	if !ok {
		return nil, -1, domain.NotFoundError{What: "property", Key: k}
	}
	return p.table.Clone(), p.step, nil
}

func (s *fakeStore) VolumeStep(domain.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volumeStep
}

// DropProperties forgets the tables of k written at the current volume step.
func (s *fakeStore) DropProperties(_ context.Context, k domain.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.tables {
		if strings.HasSuffix(id, k.String()) && p.step == s.volumeStep {
			delete(s.tables, id)
		}
	}
	return nil
}

type harness struct {
	source *fakeSource
	store  *fakeStore
	reg    *registry.Registry
	engine *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	pool := tasks.New(tasks.Options{Workers: 2})
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })
	h := &harness{
		source: &fakeSource{volumes: map[domain.Key]*domain.Volume{}},
		store:  newFakeStore(),
		reg:    registry.New(),
	}
	opts = append([]Option{WithRegistry(h.reg)}, opts...)
	h.engine = New(pool, h.source, h.store, opts...)
	for _, k := range Builtins() {
		if err := h.engine.Register(k); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return h
}

// twoObjects labels a 2x2x2 cube with id 1 and a 2x2x1 slab with id 2.
func twoObjects() *domain.Volume {
	v := domain.NewVolume(domain.Dims{X: 6, Y: 4, Z: 3}, domain.UnitVoxel)
	v.Fill(0, 0, 0, 1, 1, 1, 1)
	v.Fill(4, 2, 0, 5, 3, 0, 2)
	return v
}

func TestAreaOfEveryObject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := domain.K(0, 0)
	h.source.set(key, twoObjects())

	want := map[domain.ObjectID]float64{1: 8, 2: 4}
	for id, area := range want {
		v, err := h.engine.Get(ctx, "area", domain.ObjectRef{Key: key, ID: id})
		if err != nil {
			t.Fatalf("Get area %d: %v", id, err)
		}
		if v.Scalar() != area {
			t.Fatalf("area of %d = %v, want %v", id, v.Scalar(), area)
		}
	}
	if h.engine.Launches() != 1 {
		t.Fatalf("expected a single task for the key, got %d", h.engine.Launches())
	}
	again, _ := h.engine.Get(ctx, "area", domain.ObjectRef{Key: key, ID: 1})
	if again.Scalar() != 8 || h.engine.Launches() != 1 {
		t.Fatalf("second read should be served from the table")
	}
	if !h.engine.Computed(key)["area"] || h.engine.Computed(key)["centroid"] {
		t.Fatalf("unexpected computed flags %v", h.engine.Computed(key))
	}
	if h.store.writes != 1 {
		t.Fatalf("expected the table to be persisted once, got %d", h.store.writes)
	}
	if !h.reg.HasProperty(domain.ObjectRef{Key: key, ID: 2}, "area") {
		t.Fatalf("registry should reference the area table")
	}
}

func TestConcurrentGetsShareOneTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := domain.K(4, 0)
	h.source.set(key, twoObjects())
	h.source.gate = make(chan struct{})

	var wg sync.WaitGroup
	values := make([]domain.Value, 2)
	for i := range values {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := h.engine.Get(ctx, "centroid", domain.ObjectRef{Key: key, ID: 1})
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			values[i] = v
		}(i)
	}
	close(h.source.gate)
	wg.Wait()
	if h.engine.Launches() != 1 {
		t.Fatalf("expected exactly one computation task, got %d", h.engine.Launches())
	}
	if diff := cmp.Diff(values[0], values[1]); diff != "" {
		t.Fatalf("concurrent gets disagree (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(domain.Value{0.5, 0.5, 0.5}, values[0]); diff != "" {
		t.Fatalf("centroid (-want +got):\n%s", diff)
	}
}

func TestPartialInvalidationRecomputesOnlyTouchedIDs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var seen []domain.IDSet
	counting := KindFunc{Label: "count", Fn: func(v *domain.Volume, ids domain.IDSet) (domain.Table, error) {
		seen = append(seen, ids)
		return Area{}.Compute(v, ids)
	}}
	if err := h.engine.Register(counting); err != nil {
		t.Fatalf("Register: %v", err)
	}
	key := domain.K(1, 0)
	h.source.set(key, twoObjects())
	if _, err := h.engine.GetAt(ctx, "count", key); err != nil {
		t.Fatalf("GetAt: %v", err)
	}

	grown := twoObjects()
	grown.Fill(4, 2, 0, 5, 3, 2, 2)
	h.source.set(key, grown)
	if err := h.engine.Invalidate(ctx, key, domain.NewIDSet(2)); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	launches := h.engine.Launches()
	v, err := h.engine.Get(ctx, "count", domain.ObjectRef{Key: key, ID: 1})
	if err != nil || v.Scalar() != 8 || h.engine.Launches() != launches {
		t.Fatalf("untouched object should stay valid without a task: %v %v", v, err)
	}
	v, err = h.engine.Get(ctx, "count", domain.ObjectRef{Key: key, ID: 2})
	if err != nil || v.Scalar() != 12 {
		t.Fatalf("touched object should be recomputed: %v %v", v, err)
	}
	if len(seen) != 2 || seen[0] != nil {
		t.Fatalf("expected a full then a partial computation, got %v", seen)
	}
	if diff := cmp.Diff(domain.NewIDSet(2), seen[1]); diff != "" {
		t.Fatalf("partial ids (-want +got):\n%s", diff)
	}
	full, err := h.engine.GetAt(ctx, "count", key)
	if err != nil {
		t.Fatalf("GetAt: %v", err)
	}
	if diff := cmp.Diff(domain.Table{1: {8}, 2: {12}}, full); diff != "" {
		t.Fatalf("table (-want +got):\n%s", diff)
	}
}

func TestPartialInvalidationDropsVanishedObject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := domain.K(2, 0)
	h.source.set(key, twoObjects())
	if _, err := h.engine.GetAt(ctx, "area", key); err != nil {
		t.Fatalf("GetAt: %v", err)
	}
	erased := twoObjects()
	erased.Fill(4, 2, 0, 5, 3, 0, domain.Background)
	h.source.set(key, erased)
	if err := h.engine.Invalidate(ctx, key, domain.NewIDSet(2)); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := h.engine.Get(ctx, "area", domain.ObjectRef{Key: key, ID: 2}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("erased object should have no value, got %v", err)
	}
	if h.reg.HasProperty(domain.ObjectRef{Key: key, ID: 2}, "area") {
		t.Fatalf("back-reference should be cleared")
	}
}

func TestFullInvalidationClearsFlagsAndSkipsPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := domain.K(0, 0)
	h.source.set(key, twoObjects())
	h.store.volumeStep = 1
	if _, err := h.engine.Get(ctx, "area", domain.ObjectRef{Key: key, ID: 1}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := h.engine.Invalidate(ctx, key, nil); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if h.engine.Computed(key)["area"] {
		t.Fatalf("full invalidation should clear the flag")
	}
	before := h.engine.Launches()
	if _, err := h.engine.Get(ctx, "area", domain.ObjectRef{Key: key, ID: 1}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.engine.Launches() != before+1 {
		t.Fatalf("persisted copy predates the edit and must not be served")
	}
}

func TestInvalidationDropsTablePersistedForReplacedVolume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := domain.K(4, 0)
	h.store.volumeStep = 1
	h.source.set(key, twoObjects())
	ref := domain.ObjectRef{Key: key, ID: 1}
	if v, err := h.engine.Get(ctx, "area", ref); err != nil || v.Scalar() != 8 {
		t.Fatalf("Get = %v, %v", v, err)
	}

	taller := twoObjects()
	taller.Fill(0, 0, 0, 1, 1, 2, 1)
	h.source.set(key, taller)
	if err := h.engine.Invalidate(ctx, key, nil); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, _, err := h.store.GetLastProperties(ctx, "area", key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("table of the replaced volume should be dropped, got %v", err)
	}
	// a reset engine only has storage to go by
	if err := h.engine.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if v, err := h.engine.Get(ctx, "area", ref); err != nil || v.Scalar() != 12 {
		t.Fatalf("expected area of the new volume, got %v, %v", v, err)
	}
}

func TestPersistedTableIsServedWhenCurrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := domain.K(7, 1)
	h.store.volumeStep = 2
	h.store.tables["area"+key.String()] = persisted{table: domain.Table{3: {99}}, step: 2}

	v, err := h.engine.Get(ctx, "area", domain.ObjectRef{Key: key, ID: 3})
	if err != nil || v.Scalar() != 99 {
		t.Fatalf("expected persisted value, got %v %v", v, err)
	}
	if h.engine.Launches() != 0 {
		t.Fatalf("persisted read should not launch a task")
	}

	other := domain.K(8, 0)
	h.source.set(other, twoObjects())
	h.store.tables["area"+other.String()] = persisted{table: domain.Table{1: {1}}, step: 1}
	v, err = h.engine.Get(ctx, "area", domain.ObjectRef{Key: other, ID: 1})
	if err != nil || v.Scalar() != 8 {
		t.Fatalf("older persisted table must be recomputed, got %v %v", v, err)
	}
}

func TestComputeFailureLeavesFlagFalse(t *testing.T) {
	ctx := context.Background()
	m := telemetry.New(nil)
	h := newHarness(t, WithMetrics(m))
	boom := KindFunc{Label: "boom", Fn: func(*domain.Volume, domain.IDSet) (domain.Table, error) {
		return nil, errors.New("kaboom")
	}}
	if err := h.engine.Register(boom); err != nil {
		t.Fatalf("Register: %v", err)
	}
	key := domain.K(0, 0)
	h.source.set(key, twoObjects())
	_, err := h.engine.Get(ctx, "boom", domain.ObjectRef{Key: key, ID: 1})
	if !errors.Is(err, domain.ErrNotAvailable) {
		t.Fatalf("expected not available, got %v", err)
	}
	if h.engine.Computed(key)["boom"] {
		t.Fatalf("failed computation must not set the flag")
	}
	if got := testutil.ToFloat64(m.PropertyFailures.WithLabelValues("boom")); got < 1 {
		t.Fatalf("failure counter = %v", got)
	}
}

func TestMissingVolumeAndUnknownProperty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.engine.Get(ctx, "area", domain.Obj(3, 1)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for a key without volume, got %v", err)
	}
	if _, err := h.engine.Get(ctx, "nope", domain.Obj(3, 1)); !errors.Is(err, domain.ErrUnknownProperty) {
		t.Fatalf("expected unknown property, got %v", err)
	}
	if _, err := h.engine.Compute(ctx, domain.K(0, 0), "nope"); !errors.Is(err, domain.ErrUnknownProperty) {
		t.Fatalf("expected unknown property from Compute, got %v", err)
	}
	if err := h.engine.Register(Area{}); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
}

func TestRegisterIsRetroactive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := domain.K(0, 0)
	h.source.set(key, twoObjects())
	if _, err := h.engine.GetAt(ctx, "area", key); err != nil {
		t.Fatalf("GetAt: %v", err)
	}
	late := KindFunc{Label: "late", Fn: func(v *domain.Volume, ids domain.IDSet) (domain.Table, error) {
		return Area{}.Compute(v, ids)
	}}
	if err := h.engine.Register(late); err != nil {
		t.Fatalf("Register: %v", err)
	}
	flags := h.engine.Computed(key)
	if flag, ok := flags["late"]; !ok || flag {
		t.Fatalf("new property should exist as not computed, got %v", flags)
	}
	if _, err := h.engine.GetAt(ctx, "late", key); err != nil {
		t.Fatalf("late property should compute on access: %v", err)
	}
}

func TestOutdatedResultIsDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := domain.K(0, 0)
	h.source.set(key, twoObjects())
	h.source.entered = make(chan struct{})
	h.source.gate = make(chan struct{})
	f, err := h.engine.Compute(ctx, key, "area")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	<-h.source.entered
	h.engine.mu.Lock()
	h.engine.keys[key].gen++
	h.engine.mu.Unlock()
	close(h.source.gate)
	if err := f.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if h.engine.Computed(key)["area"] {
		t.Fatalf("result computed before an invalidation must not be installed")
	}
}

func TestPurgeResetAndWait(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := domain.K(5, 0)
	h.source.set(key, twoObjects())
	f, err := h.engine.Compute(ctx, key, "area", "bbox")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if err := h.engine.WaitForPending(ctx, 5); err != nil {
		t.Fatalf("WaitForPending: %v", err)
	}
	select {
	case <-f.Done():
	default:
		t.Fatalf("WaitForPending returned before the task finished")
	}
	ref := domain.ObjectRef{Key: key, ID: 2}
	h.engine.Purge(ref)
	if _, err := h.engine.Get(ctx, "bbox", ref); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("purged object should be gone, got %v", err)
	}
	if h.reg.HasProperty(ref, "area") {
		t.Fatalf("purge should clear back-references")
	}
	if err := h.engine.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.engine.Computed(key)["area"] {
		t.Fatalf("reset should forget computed tables")
	}
	if err := h.engine.WaitAll(ctx); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if diff := cmp.Diff([]string{"area", "axes", "bbox", "centroid", "volume"}, h.engine.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
}
