package shuffle

import (
	"fmt"
	"io"
	"os"
)

// FileSegment is a byte range of an on-disk shuffle data file.
type FileSegment struct {
	Path   string
	Offset int64
	Length int64
}

// Load reads the segment into memory. Called once per push request; per-block
// buffers are views into the returned slice.
func (f FileSegment) Load() ([]byte, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if _, err := file.Seek(f.Offset, io.SeekStart); err != nil {
		return nil, err
	}
	data := make([]byte, f.Length)
	if _, err := io.ReadFull(file, data); err != nil {
		return nil, fmt.Errorf("short read of %s [%d, %d): %w", f.Path, f.Offset, f.Offset+f.Length, err)
	}
	return data, nil
}

// ManagedBuffer hands block bytes to the transport. Sub-buffers created with
// slice share the backing array, so a request is read from disk exactly once
// no matter how many blocks it carries.
type ManagedBuffer struct {
	data []byte
}

func NewManagedBuffer(data []byte) *ManagedBuffer { return &ManagedBuffer{data: data} }

func (b *ManagedBuffer) Bytes() []byte { return b.data }
func (b *ManagedBuffer) Size() int64   { return int64(len(b.data)) }

func (b *ManagedBuffer) slice(offset, length int64) *ManagedBuffer {
	return &ManagedBuffer{data: b.data[offset : offset+length]}
}
