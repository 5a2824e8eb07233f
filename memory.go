package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// TaskMemory reads byte ranges out of another process' address space.
// Implementations must report failure instead of faulting when a range
// is unmapped; the target is a snapshot of a possibly crashed process
// and is never assumed to be internally consistent.
type TaskMemory interface {
	ReadMemory(addr uint64, buf []byte) (int, error)
}

// readTaskMemory reads size bytes at addr. A short read is a failure;
// a crashed process' mappings can be torn mid-range.
func readTaskMemory(mem TaskMemory, addr, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := mem.ReadMemory(addr, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %d bytes at %#x", size, addr)
	}
	if uint64(n) != size {
		return nil, errors.Errorf("short read at %#x: %d of %d bytes", addr, n, size)
	}
	return buf, nil
}

// readTaskStruct reads and decodes a fixed-size structure at addr in
// the given byte order.
func readTaskStruct(mem TaskMemory, addr uint64, bo binary.ByteOrder, v interface{}) error {
	buf, err := readTaskMemory(mem, addr, uint64(binary.Size(v)))
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), bo, v)
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[0:i])
}
