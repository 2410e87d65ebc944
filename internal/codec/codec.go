// Package codec implements the compact binary containers used to persist
// volumes and property tables. Both containers are a four byte magic followed
// by a zstd frame holding little-endian fixed-width fields.
package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"voxelcurate/pkg/domain"
)

const (
	volumeMagic   = "VXV1"
	propertyMagic = "VXP1"
	maxNameLen    = math.MaxUint16
)

// Content types recorded on stored artifacts.
const (
	VolumeContentType   = "application/x-voxelcurate-volume"
	PropertyContentType = "application/x-voxelcurate-properties"
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// EncodeVolume writes v to w.
func EncodeVolume(w io.Writer, v *domain.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}
	raw := make([]byte, 0, 12+24+4*len(v.Labels))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(v.Dims.X))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(v.Dims.Y))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(v.Dims.Z))
	for _, s := range v.Voxel {
		raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(s))
	}
	for _, id := range v.Labels {
		raw = binary.LittleEndian.AppendUint32(raw, uint32(id))
	}
	return writeFrame(w, volumeMagic, raw)
}

// DecodeVolume reads a volume written by EncodeVolume. Malformed input yields
// an error matching domain.ErrCorruptArtifact.
func DecodeVolume(r io.Reader) (*domain.Volume, error) {
	raw, err := readFrame(r, volumeMagic)
	if err != nil {
		return nil, err
	}
	if len(raw) < 36 {
		return nil, corrupt("volume header truncated")
	}
	d := domain.Dims{
		X: int(binary.LittleEndian.Uint32(raw[0:])),
		Y: int(binary.LittleEndian.Uint32(raw[4:])),
		Z: int(binary.LittleEndian.Uint32(raw[8:])),
	}
	if !d.Valid() {
		return nil, corrupt("volume dims %s", d)
	}
	var voxel domain.VoxelSize
	for i := range voxel {
		voxel[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[12+8*i:]))
	}
	body := raw[36:]
	if len(body) != 4*d.Len() {
		return nil, corrupt("volume body has %d bytes, dims %s need %d", len(body), d, 4*d.Len())
	}
	v := &domain.Volume{Dims: d, Voxel: voxel, Labels: make([]domain.ObjectID, d.Len())}
	for i := range v.Labels {
		v.Labels[i] = domain.ObjectID(binary.LittleEndian.Uint32(body[4*i:]))
	}
	return v, nil
}

// EncodeProperties writes one property table. Entries are sorted by id so the
// encoding is deterministic.
func EncodeProperties(w io.Writer, name string, table domain.Table) error {
	if len(name) == 0 || len(name) > maxNameLen {
		return fmt.Errorf("invalid property name length %d", len(name))
	}
	ids := make([]domain.ObjectID, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(name)))
	raw = append(raw, name...)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(ids)))
	for _, id := range ids {
		val := table[id]
		if len(val) > math.MaxUint16 {
			return fmt.Errorf("property %s value for %d too large", name, id)
		}
		raw = binary.LittleEndian.AppendUint32(raw, uint32(id))
		raw = binary.LittleEndian.AppendUint16(raw, uint16(len(val)))
		for _, f := range val {
			raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(f))
		}
	}
	return writeFrame(w, propertyMagic, raw)
}

// DecodeProperties reads a table written by EncodeProperties.
func DecodeProperties(r io.Reader) (string, domain.Table, error) {
	raw, err := readFrame(r, propertyMagic)
	if err != nil {
		return "", nil, err
	}
	rd := &cursor{b: raw}
	n := int(rd.u16())
	name := string(rd.bytes(n))
	count := int(rd.u32())
	if rd.err != nil {
		return "", nil, rd.err
	}
	// an entry takes at least an id and a length
	if count > len(rd.b)/6 {
		return "", nil, corrupt("property table claims %d entries in %d bytes", count, len(rd.b))
	}
	table := make(domain.Table, count)
	for i := 0; i < count; i++ {
		id := domain.ObjectID(rd.u32())
		vn := int(rd.u16())
		if vn > len(rd.b)/8 {
			return "", nil, corrupt("value of %d claims %d components in %d bytes", id, vn, len(rd.b))
		}
		val := make(domain.Value, vn)
		for j := range val {
			val[j] = math.Float64frombits(rd.u64())
		}
		if rd.err != nil {
			return "", nil, rd.err
		}
		table[id] = val
	}
	if len(rd.b) != 0 {
		return "", nil, corrupt("%d trailing bytes in property table", len(rd.b))
	}
	return name, table, nil
}

// ReadVolumeFile decodes a volume container from path.
func ReadVolumeFile(path string) (*domain.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return DecodeVolume(bufio.NewReader(f))
}

// WriteVolumeFile encodes v to path, replacing it atomically.
func WriteVolumeFile(path string, v *domain.Volume) error {
	var buf bytes.Buffer
	if err := EncodeVolume(&buf, v); err != nil {
		return err
	}
	return writeFile(path, buf.Bytes())
}

// ReadPropertiesFile decodes a property container from path.
func ReadPropertiesFile(path string) (string, domain.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = f.Close() }()
	return DecodeProperties(bufio.NewReader(f))
}

// WritePropertiesFile encodes table to path, replacing it atomically.
func WritePropertiesFile(path, name string, table domain.Table) error {
	var buf bytes.Buffer
	if err := EncodeProperties(&buf, name, table); err != nil {
		return err
	}
	return writeFile(path, buf.Bytes())
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeFrame(w io.Writer, magic string, raw []byte) error {
	out := append([]byte(magic), encoder.EncodeAll(raw, nil)...)
	_, err := w.Write(out)
	return err
}

func readFrame(r io.Reader, magic string) ([]byte, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(b) < len(magic) || string(b[:len(magic)]) != magic {
		return nil, corrupt("bad magic, want %s", magic)
	}
	raw, err := decoder.DecodeAll(b[len(magic):], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptArtifact, err)
	}
	return raw, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrCorruptArtifact, fmt.Sprintf(format, args...))
}

type cursor struct {
	b   []byte
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if len(c.b) < n {
		c.err = corrupt("property table truncated")
		return nil
	}
	out := c.b[:n]
	c.b = c.b[n:]
	return out
}

func (c *cursor) bytes(n int) []byte { return c.take(n) }

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
