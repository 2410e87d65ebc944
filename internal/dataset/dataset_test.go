package dataset

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"voxelcurate/internal/blob"
	"voxelcurate/internal/codec"
	"voxelcurate/internal/journal"
	"voxelcurate/internal/lineage"
	"voxelcurate/internal/props"
	"voxelcurate/internal/telemetry"
	"voxelcurate/pkg/domain"
)

var dims = domain.Dims{X: 6, Y: 4, Z: 3}

// 6x4x3 labels of 4 bytes each
const volBytes = 288

type fixture struct {
	blobs   blob.Store
	journal journal.Journal
	metrics *telemetry.Metrics
}

func newFixture() *fixture {
	return &fixture{
		blobs:   blob.NewMemory(),
		journal: mustMemoryJournal(),
		metrics: telemetry.New(nil),
	}
}

func mustMemoryJournal() journal.Journal {
	j, err := journal.Open(context.Background(), journal.Options{Driver: "memory"})
	if err != nil {
		panic(err)
	}
	return j
}

func (f *fixture) open(t *testing.T, mutate ...func(*Options)) *Dataset {
	t.Helper()
	opts := Options{
		Blobs:       f.blobs,
		Journal:     f.journal,
		CacheBudget: 64 * volBytes,
		Workers:     2,
		Metrics:     f.metrics,
	}
	for _, m := range mutate {
		m(&opts)
	}
	d, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

// cells labels a 4x4x3 block with id 7 and a 2x2x1 block with id 9.
func cells() *domain.Volume {
	v := domain.NewVolume(dims, domain.UnitVoxel)
	v.Fill(0, 0, 0, 3, 3, 2, 7)
	v.Fill(4, 0, 0, 5, 1, 0, 9)
	return v
}

// split relabels the upper half of object 7 as 8.
func split() *domain.Volume {
	v := cells()
	v.Fill(0, 2, 0, 3, 3, 2, 8)
	return v
}

func TestAreaOfEveryObjectAfterSet(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t)
	key := domain.K(0, 0)
	if err := d.SetVolume(ctx, key, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	want := map[domain.ObjectID]float64{7: 48, 9: 4}
	for id, area := range want {
		v, err := d.GetProperty(ctx, "area", domain.ObjectRef{Key: key, ID: id})
		if err != nil {
			t.Fatalf("GetProperty %d: %v", id, err)
		}
		if v.Scalar() != area {
			t.Fatalf("area of %d = %v, want %v", id, v.Scalar(), area)
		}
		again, err := d.GetProperty(ctx, "area", domain.ObjectRef{Key: key, ID: id})
		if err != nil || !again.Equal(v) {
			t.Fatalf("second read differs: %v %v", again, err)
		}
	}
}

func TestSplitThenCancelRestoresVolume(t *testing.T) {
	ctx := context.Background()
	var changed []domain.Key
	var mu sync.Mutex
	d := newFixture().open(t, func(o *Options) {
		o.Mesh = MeshFunc(func(k domain.Key) {
			mu.Lock()
			changed = append(changed, k)
			mu.Unlock()
		})
	})
	key := domain.K(3, 0)
	if err := d.SetVolume(ctx, key, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if _, err := d.GetProperty(ctx, "area", domain.ObjectRef{Key: key, ID: 7}); err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	if _, err := d.StartStep(ctx, "split"); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if err := d.SetVolume(ctx, key, split(), domain.NewIDSet(7, 8)); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	v, err := d.GetProperty(ctx, "area", domain.ObjectRef{Key: key, ID: 8})
	if err != nil || v.Scalar() != 24 {
		t.Fatalf("area of new object = %v, %v", v, err)
	}

	rb, err := d.Cancel(ctx)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rb.Description != "split" {
		t.Fatalf("cancelled %q", rb.Description)
	}
	got, err := d.GetVolume(ctx, key)
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if !got.Equal(cells()) {
		t.Fatalf("cancel did not restore the pre-split volume")
	}
	if _, err := d.GetProperty(ctx, "area", domain.ObjectRef{Key: key, ID: 8}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("object created by the cancelled step should be gone, got %v", err)
	}
	v, err = d.GetProperty(ctx, "area", domain.ObjectRef{Key: key, ID: 7})
	if err != nil || v.Scalar() != 48 {
		t.Fatalf("area after cancel = %v, %v", v, err)
	}
	if len(d.History()) != 1 {
		t.Fatalf("expected only the initial step, got %d", len(d.History()))
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]domain.Key{key, key, key}, changed); diff != "" {
		t.Fatalf("mesh notifications (-want +got):\n%s", diff)
	}
}

func TestGetVolumeIsIdempotentAndReturnsCopies(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t)
	key := domain.K(1, 0)
	if err := d.SetVolume(ctx, key, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	a, err := d.GetVolume(ctx, key)
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	a.Set(0, 0, 0, 99)
	b, err := d.GetVolume(ctx, key)
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if !b.Equal(cells()) {
		t.Fatalf("mutating a returned volume leaked into the session")
	}
	c, _ := d.GetVolume(ctx, key)
	if !b.Equal(c) {
		t.Fatalf("two reads differ")
	}
}

func TestDivisionAndReversedLink(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t)
	mother := domain.Obj(0, 1)
	for _, daughter := range []domain.ObjectRef{domain.Obj(1, 2), domain.Obj(1, 3)} {
		ok, err := d.AddLink(ctx, mother, daughter)
		if err != nil || !ok {
			t.Fatalf("AddLink %s: %v %v", daughter, ok, err)
		}
	}
	if _, err := d.AddLink(ctx, domain.Obj(1, 2), mother); !errors.Is(err, domain.ErrInvalidLink) {
		t.Fatalf("reversed link should be rejected, got %v", err)
	}
	if diff := cmp.Diff([]domain.ObjectRef{domain.Obj(1, 2), domain.Obj(1, 3)}, d.Daughters(mother)); diff != "" {
		t.Fatalf("daughters (-want +got):\n%s", diff)
	}
	if ok, _ := d.AddMother(ctx, domain.Obj(1, 3), mother); ok {
		t.Fatalf("duplicate edge should report false")
	}
	if ok, _ := d.DelDaughter(ctx, mother, domain.Obj(1, 3)); !ok {
		t.Fatalf("DelDaughter should remove the edge")
	}
	if ok, _ := d.DelMother(ctx, domain.Obj(1, 2), mother); !ok {
		t.Fatalf("DelMother should remove the edge")
	}
	if len(d.Edges()) != 0 {
		t.Fatalf("expected no edges, got %v", d.Edges())
	}
}

func TestConcurrentCentroidOnDirtyKeyRunsOneTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d := f.open(t)
	key := domain.K(2, 0)
	if err := d.SetVolume(ctx, key, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	var wg sync.WaitGroup
	got := make([]domain.Value, 2)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.GetProperty(ctx, "centroid", domain.ObjectRef{Key: key, ID: 9})
			if err != nil {
				t.Errorf("GetProperty: %v", err)
			}
			got[i] = v
		}(i)
	}
	wg.Wait()
	if n := testutil.ToFloat64(f.metrics.PropertyTasks.WithLabelValues("centroid")); n != 1 {
		t.Fatalf("expected one centroid task, got %v", n)
	}
	if diff := cmp.Diff(domain.Value{4.5, 0.5, 0}, got[0]); diff != "" {
		t.Fatalf("centroid (-want +got):\n%s", diff)
	}
	if !got[0].Equal(got[1]) {
		t.Fatalf("concurrent reads disagree")
	}
}

func TestVanishedObjectLosesEdgesAndProperties(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t)
	k0, k1 := domain.K(0, 0), domain.K(1, 0)
	if err := d.SetVolume(ctx, k0, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := d.SetVolume(ctx, k1, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	nine := domain.ObjectRef{Key: k0, ID: 9}
	if _, err := d.AddLink(ctx, nine, domain.ObjectRef{Key: k1, ID: 9}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if _, err := d.GetPropertyAt(ctx, "bbox", k0); err != nil {
		t.Fatalf("GetPropertyAt: %v", err)
	}

	if err := d.DeleteObject(ctx, nine); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if len(d.Daughters(nine)) != 0 || len(d.Mothers(domain.ObjectRef{Key: k1, ID: 9})) != 0 {
		t.Fatalf("edges of the deleted object should be gone")
	}
	if _, err := d.GetProperty(ctx, "bbox", nine); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted object should have no bbox, got %v", err)
	}
	ids, err := d.Objects(ctx, k0)
	if err != nil {
		t.Fatalf("Objects: %v", err)
	}
	if diff := cmp.Diff([]domain.ObjectID{7}, ids); diff != "" {
		t.Fatalf("objects (-want +got):\n%s", diff)
	}
	v, err := d.GetProperty(ctx, "bbox", domain.ObjectRef{Key: k0, ID: 7})
	if err != nil || !v.Equal(domain.Value{0, 0, 0, 3, 3, 2}) {
		t.Fatalf("untouched object bbox = %v, %v", v, err)
	}

	// a full replacement deletes every registered object that is absent
	if _, err := d.AddLink(ctx, domain.ObjectRef{Key: k0, ID: 7}, domain.ObjectRef{Key: k1, ID: 7}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := d.SetVolume(ctx, k1, domain.NewVolume(dims, domain.UnitVoxel), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if len(d.Edges()) != 0 {
		t.Fatalf("clearing t=1 should drop its edges, got %v", d.Edges())
	}
}

func TestCancelUndoesLineageEdits(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t)
	if _, err := d.AddLink(ctx, domain.Obj(0, 1), domain.Obj(1, 1)); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if _, err := d.StartStep(ctx, "relink"); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if _, err := d.Link(ctx, domain.Obj(2, 4), domain.Obj(1, 1)); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := d.DelLink(ctx, domain.Obj(0, 1), domain.Obj(1, 1)); err != nil {
		t.Fatalf("DelLink: %v", err)
	}
	if _, err := d.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	want := []domain.Edge{{Parent: domain.Obj(0, 1), Child: domain.Obj(1, 1)}}
	if diff := cmp.Diff(want, d.Edges()); diff != "" {
		t.Fatalf("edges after cancel (-want +got):\n%s", diff)
	}
}

func TestNothingToCancelOnFreshSession(t *testing.T) {
	d := newFixture().open(t)
	if _, err := d.Cancel(context.Background()); !errors.Is(err, domain.ErrNothingToCancel) {
		t.Fatalf("expected ErrNothingToCancel, got %v", err)
	}
}

func TestDimensionMismatchIsRejected(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t)
	if err := d.SetVolume(ctx, domain.K(0, 0), cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	odd := domain.NewVolume(domain.Dims{X: 2, Y: 2, Z: 2}, domain.UnitVoxel)
	if err := d.SetVolume(ctx, domain.K(1, 0), odd, nil); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestMissingVolumeIsEmptyWithWarning(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t)
	if _, err := d.GetVolume(ctx, domain.K(5, 0)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("without geometry a missing volume is an error, got %v", err)
	}
	if err := d.SetVolume(ctx, domain.K(0, 0), cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	v, err := d.GetVolume(ctx, domain.K(5, 0))
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if !v.Equal(domain.NewVolume(dims, domain.UnitVoxel)) {
		t.Fatalf("expected an empty volume")
	}
	warnings := d.Warnings()
	if len(warnings) != 1 || !errors.Is(warnings[0], domain.ErrNotFound) {
		t.Fatalf("expected a not-found warning, got %v", warnings)
	}
}

func TestEvictedVolumeReloadsFromSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d := f.open(t, func(o *Options) { o.CacheBudget = volBytes + volBytes/2 })
	first := cells()
	if err := d.SetVolume(ctx, domain.K(0, 0), first, nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := d.SetVolume(ctx, domain.K(1, 0), split(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if d.Resident() > volBytes+volBytes/2 {
		t.Fatalf("resident %d over budget", d.Resident())
	}
	if testutil.ToFloat64(f.metrics.CacheEvictions) != 1 {
		t.Fatalf("expected one eviction")
	}
	got, err := d.GetVolume(ctx, domain.K(0, 0))
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if !got.Equal(first) {
		t.Fatalf("evicted volume did not reload intact")
	}
}

func TestEagerPropertiesAreComputedInBackground(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t, func(o *Options) { o.Eager = []string{"area", "volume"} })
	key := domain.K(0, 0)
	if err := d.SetVolume(ctx, key, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := d.EndStep(ctx); err != nil {
		t.Fatalf("EndStep: %v", err)
	}
	computed := d.Computed(key)
	if !computed["area"] || !computed["volume"] || computed["axes"] {
		t.Fatalf("unexpected computed flags %v", computed)
	}
	rec := d.History()[0]
	if diff := cmp.Diff([]string{"area", "volume"}, rec.PropertyNames()); diff != "" {
		t.Fatalf("persisted properties (-want +got):\n%s", diff)
	}
}

func TestOpenRejectsUnknownEagerProperty(t *testing.T) {
	f := newFixture()
	_, err := Open(context.Background(), Options{Blobs: f.blobs, Journal: f.journal, CacheBudget: volBytes, Eager: []string{"nope"}})
	if !errors.Is(err, domain.ErrUnknownProperty) {
		t.Fatalf("expected unknown property, got %v", err)
	}
}

// openRoot opens a session on the filesystem artifact store and the SQLite
// journal below root.
func openRoot(t *testing.T, root string) *Dataset {
	t.Helper()
	ctx := context.Background()
	blobs, err := blob.Open(ctx, blob.Options{Root: root})
	if err != nil {
		t.Fatalf("blob.Open: %v", err)
	}
	j, err := journal.Open(ctx, journal.Options{Root: root})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	d, err := Open(ctx, Options{Blobs: blobs, Journal: j, CacheBudget: 16 * volBytes})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestSessionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d := openRoot(t, root)
	key := domain.K(0, 0)
	if err := d.SetVolume(ctx, key, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if _, err := d.StartStep(ctx, "track"); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if _, err := d.AddLink(ctx, domain.Obj(0, 7), domain.Obj(1, 7)); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d = openRoot(t, root)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	got, err := d.GetVolume(ctx, key)
	if err != nil || !got.Equal(cells()) {
		t.Fatalf("volume after reopen: %v", err)
	}
	if len(d.Edges()) != 1 {
		t.Fatalf("lineage after reopen = %v", d.Edges())
	}
	history := d.History()
	if len(history) != 2 || history[1].Description != "track" || !history[1].Lineage {
		t.Fatalf("unexpected history %+v", history)
	}
	for _, rec := range history {
		if rec.State != journal.StateClosed {
			t.Fatalf("step %d left %s", rec.Index, rec.State)
		}
	}
}

func TestReopenNeverServesTableOfReplacedVolume(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d := openRoot(t, root)
	key := domain.K(0, 0)
	ref := domain.ObjectRef{Key: key, ID: 7}
	if err := d.SetVolume(ctx, key, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if v, err := d.GetProperty(ctx, "area", ref); err != nil || v.Scalar() != 48 {
		t.Fatalf("area before split = %v, %v", v, err)
	}
	// same step: the table written above now describes an outdated volume
	if err := d.SetVolume(ctx, key, split(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d = openRoot(t, root)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	if v, err := d.GetProperty(ctx, "area", ref); err != nil || v.Scalar() != 24 {
		t.Fatalf("area after reopen = %v, %v", v, err)
	}
}

// failingPuts rejects every artifact write below prefix.
type failingPuts struct {
	blob.Store
	prefix string
}

func (b failingPuts) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if strings.HasPrefix(key, b.prefix) {
		return blob.Info{}, errors.New("disk full")
	}
	return b.Store.Put(ctx, key, r, opts)
}

func TestCancelRestoresEditWhoseWriteFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.blobs = failingPuts{Store: f.blobs, prefix: "steps/000001/volumes/"}
	d := f.open(t)
	key := domain.K(3, 0)
	if err := d.SetVolume(ctx, key, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if _, err := d.StartStep(ctx, "split"); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if err := d.SetVolume(ctx, key, split(), domain.NewIDSet(7, 8)); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}

	rb, err := d.Cancel(ctx)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if diff := cmp.Diff([]domain.Key{key}, rb.Volumes); diff != "" {
		t.Fatalf("rolled back volumes (-want +got):\n%s", diff)
	}
	got, err := d.GetVolume(ctx, key)
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if !got.Equal(cells()) {
		t.Fatalf("cancel did not restore the pre-split volume, ids %v", got.IDs().Sorted())
	}
}

func TestEndStepReportsUnpersistedEdit(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.blobs = failingPuts{Store: f.blobs, prefix: "steps/000001/volumes/"}
	d := f.open(t)
	if _, err := d.StartStep(ctx, "paint"); err != nil {
		t.Fatalf("StartStep: %v", err)
	}
	if err := d.SetVolume(ctx, domain.K(0, 0), cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := d.EndStep(ctx); err == nil {
		t.Fatalf("EndStep should report the failed write")
	}
}

func TestEvictionWaitsForPropertyTaskOnVictim(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	gate := make(chan struct{})
	finished := make(chan struct{})
	var once sync.Once
	slow := props.KindFunc{Label: "slow", Fn: func(v *domain.Volume, ids domain.IDSet) (domain.Table, error) {
		once.Do(func() { close(entered) })
		<-gate
		defer close(finished)
		return props.Area{}.Compute(v, ids)
	}}
	f := newFixture()
	d := f.open(t, func(o *Options) {
		o.CacheBudget = volBytes + volBytes/2
		o.Kinds = []props.Kind{slow}
	})
	victim := domain.K(0, 0)
	if err := d.SetVolume(ctx, victim, cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}

	type result struct {
		v   domain.Value
		err error
	}
	got := make(chan result, 1)
	go func() {
		v, err := d.GetProperty(ctx, "slow", domain.ObjectRef{Key: victim, ID: 7})
		got <- result{v, err}
	}()
	<-entered

	admitted := make(chan error, 1)
	go func() { admitted <- d.SetVolume(ctx, domain.K(1, 0), split(), nil) }()
	select {
	case err := <-admitted:
		t.Fatalf("admission evicted t=0 under a running task (err %v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-admitted; err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatalf("eviction completed before the property task")
	}
	if testutil.ToFloat64(f.metrics.CacheEvictions) != 1 {
		t.Fatalf("expected one eviction")
	}
	r := <-got
	if r.err != nil || r.v.Scalar() != 48 {
		t.Fatalf("slow property = %v, %v", r.v, r.err)
	}
}

func TestExportWritesEveryArtifact(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t)
	if err := d.SetVolume(ctx, domain.K(0, 0), cells(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := d.SetVolume(ctx, domain.K(1, 0), split(), nil); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if _, err := d.AddLink(ctx, domain.Obj(0, 7), domain.Obj(1, 8)); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	dir := t.TempDir()
	sum, err := d.Export(ctx, dir)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	want := ExportSummary{Volumes: 2, Properties: 2 * len(d.Properties()), Edges: 1}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Fatalf("summary (-want +got):\n%s", diff)
	}
	v, err := codec.ReadVolumeFile(filepath.Join(dir, "volumes", "t0001_c00.vol"))
	if err != nil || !v.Equal(split()) {
		t.Fatalf("exported volume: %v", err)
	}
	name, table, err := codec.ReadPropertiesFile(filepath.Join(dir, "properties", "area", "t0001_c00.prop"))
	if err != nil || name != "area" {
		t.Fatalf("exported properties: %q %v", name, err)
	}
	if diff := cmp.Diff(domain.Table{7: {24}, 8: {24}, 9: {4}}, table); diff != "" {
		t.Fatalf("area table (-want +got):\n%s", diff)
	}
	data, err := os.ReadFile(filepath.Join(dir, "lineage.json"))
	if err != nil {
		t.Fatalf("read lineage: %v", err)
	}
	edges, err := lineage.UnmarshalSnapshot(data)
	if err != nil || len(edges) != 1 {
		t.Fatalf("exported lineage: %v %v", edges, err)
	}
}

func TestImportVolumeFile(t *testing.T) {
	ctx := context.Background()
	d := newFixture().open(t)
	path := filepath.Join(t.TempDir(), "in.vol")
	if err := codec.WriteVolumeFile(path, split()); err != nil {
		t.Fatalf("WriteVolumeFile: %v", err)
	}
	if err := d.ImportVolumeFile(ctx, path, domain.K(4, 1)); err != nil {
		t.Fatalf("ImportVolumeFile: %v", err)
	}
	got, err := d.GetVolume(ctx, domain.K(4, 1))
	if err != nil || !got.Equal(split()) {
		t.Fatalf("imported volume: %v", err)
	}
	if err := d.ImportVolumeFile(ctx, filepath.Join(t.TempDir(), "missing.vol"), domain.K(0, 0)); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}
