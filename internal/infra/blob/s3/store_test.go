package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"voxelcurate/internal/blob/core"
)

func TestMockStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if s.Driver() != core.DriverS3 {
		t.Fatalf("driver = %s", s.Driver())
	}
	payload := bytes.Repeat([]byte("voxel"), 100)
	if _, err := s.Put(ctx, "steps/000001/volumes/t0001_c00.vol", bytes.NewReader(payload), core.PutOptions{ContentType: "application/octet-stream", Metadata: map[string]string{"step": "1"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "steps/000001/volumes/t0001_c00.vol", bytes.NewReader(payload), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	info, rc, err := s.Get(ctx, "steps/000001/volumes/t0001_c00.vol")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %d bytes", len(got))
	}
	if info.Key != "steps/000001/volumes/t0001_c00.vol" || info.Metadata["step"] != "1" {
		t.Fatalf("unexpected info %+v", info)
	}
	list, err := s.List(ctx, "steps/")
	if err != nil || len(list) != 1 || list[0].Key != "steps/000001/volumes/t0001_c00.vol" {
		t.Fatalf("list: %+v %v", list, err)
	}
}

func TestMockStoreMissingAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMockForTests()
	if _, err := s.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head missing: %v", err)
	}
	if _, _, err := s.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if ok, err := s.Delete(ctx, "missing"); ok || err != nil {
		t.Fatalf("delete missing: %v %v", ok, err)
	}
	for _, k := range []string{"steps/000002/a", "steps/000002/b"} {
		if _, err := s.Put(ctx, k, bytes.NewReader([]byte(k)), core.PutOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	n, err := s.DeletePrefix(ctx, "steps/000002/")
	if err != nil || n != 2 {
		t.Fatalf("delete prefix: %d %v", n, err)
	}
	if list, _ := s.List(ctx, ""); len(list) != 0 {
		t.Fatalf("expected empty bucket, got %+v", list)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}
