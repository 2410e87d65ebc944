package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"voxelcurate/internal/codec"
	"voxelcurate/pkg/domain"
)

// ExportSummary counts what Export wrote.
type ExportSummary struct {
	Volumes    int
	Properties int
	Edges      int
}

// Export writes the latest version of every volume, every property table and
// the lineage graph below dir:
//
//	volumes/<key>.vol
//	properties/<name>/<key>.prop
//	lineage.json
//
// Tables that are not computed yet are computed first. A property that fails
// to compute is skipped with a warning.
func (d *Dataset) Export(ctx context.Context, dir string) (sum ExportSummary, err error) {
	defer d.metrics.Track(ctx, "export", time.Now(), &err)
	if err := d.props.WaitAll(ctx); err != nil {
		return sum, err
	}
	if err := d.steps.Flush(ctx); err != nil {
		return sum, fmt.Errorf("flush before export: %w", err)
	}
	keys := d.steps.VolumeKeys()
	for _, k := range d.cache.Keys() {
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	domain.SortKeys(keys)
	names := d.props.Names()

	counts := make([]ExportSummary, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, key := range keys {
		g.Go(func() error {
			v, err := volumeSource{d}.Volume(gctx, key)
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("export %s: %w", key, err)
			}
			if err := codec.WriteVolumeFile(filepath.Join(dir, "volumes", key.String()+".vol"), v); err != nil {
				return fmt.Errorf("export %s: %w", key, err)
			}
			counts[i].Volumes++
			for _, name := range names {
				table, err := d.props.GetAt(gctx, name, key)
				switch {
				case err == nil:
				case errors.Is(err, domain.ErrNotAvailable):
					d.warn(fmt.Errorf("export %s at %s: %w", name, key, err))
					continue
				default:
					return fmt.Errorf("export %s at %s: %w", name, key, err)
				}
				path := filepath.Join(dir, "properties", name, key.String()+".prop")
				if err := codec.WritePropertiesFile(path, name, table); err != nil {
					return fmt.Errorf("export %s at %s: %w", name, key, err)
				}
				counts[i].Properties++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	for _, c := range counts {
		sum.Volumes += c.Volumes
		sum.Properties += c.Properties
	}

	snapshot, err := d.graph.MarshalSnapshot()
	if err != nil {
		return sum, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return sum, err
	}
	if err := os.WriteFile(filepath.Join(dir, "lineage.json"), snapshot, 0o644); err != nil {
		return sum, fmt.Errorf("export lineage: %w", err)
	}
	sum.Edges = d.graph.Len()
	d.logger.Info("session exported", "dir", dir, "volumes", sum.Volumes, "properties", sum.Properties, "edges", sum.Edges)
	return sum, nil
}

// ImportVolumeFile decodes a volume container and applies it as a full
// replacement of key.
func (d *Dataset) ImportVolumeFile(ctx context.Context, path string, key domain.Key) error {
	v, err := codec.ReadVolumeFile(path)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	return d.SetVolume(ctx, key, v, nil)
}
