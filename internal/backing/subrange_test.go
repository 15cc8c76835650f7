package backing

import (
	"bytes"
	"errors"
	"testing"
)

type memBacking struct {
	data []byte
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errors.New("out of range")
	}
	return copy(p, m.data[off:]), nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errors.New("out of range")
	}
	return copy(m.data[off:], p), nil
}

func (m *memBacking) Discard(off, length int64) error {
	for i := off; i < off+length; i++ {
		m.data[i] = 0
	}
	return nil
}

func (m *memBacking) Flush() error          { return nil }
func (m *memBacking) Fd() uintptr           { return 0 }
func (m *memBacking) Size() int64           { return int64(len(m.data)) }
func (m *memBacking) SectorSize() (int, int) { return 512, 512 }
func (m *memBacking) DiscardCapable() bool  { return true }
func (m *memBacking) Close() error          { return nil }

func (m *memBacking) Translate(off, n int64) (int64, error) {
	if off < 0 || n < 0 || off+n > int64(len(m.data)) {
		return 0, errors.New("out of range")
	}
	return off, nil
}

func TestSubRangeClampsReadsAndWrites(t *testing.T) {
	mem := &memBacking{data: make([]byte, 4096)}
	sr := NewSubRange(mem, 1024, 2048)

	if _, err := sr.WriteAt(bytes.Repeat([]byte{0xAB}, 512), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if !bytes.Equal(mem.data[1024:1536], bytes.Repeat([]byte{0xAB}, 512)) {
		t.Errorf("write did not land at translated offset")
	}

	buf := make([]byte, 512)
	if _, err := sr.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xAB}, 512)) {
		t.Errorf("read did not see the translated write")
	}
}

func TestSubRangeRejectsOutOfRangeAccess(t *testing.T) {
	mem := &memBacking{data: make([]byte, 4096)}
	sr := NewSubRange(mem, 1024, 2048)

	if _, err := sr.WriteAt(make([]byte, 10), 2047); err == nil {
		t.Fatal("expected RangeError for write crossing the sub-range boundary")
	}
	if _, err := sr.ReadAt(make([]byte, 10), -1); err == nil {
		t.Fatal("expected RangeError for negative offset")
	}
}

func TestSubRangeSizeReportsLengthNotUnderlying(t *testing.T) {
	mem := &memBacking{data: make([]byte, 4096)}
	sr := NewSubRange(mem, 1024, 2048)
	if sr.Size() != 2048 {
		t.Errorf("Size() = %d, want 2048", sr.Size())
	}
}
