package prefetch

import "encoding/binary"

type recordType uint8

const (
	// recordPlainGcode is followed by a u8 length and the command bytes.
	recordPlainGcode recordType = iota
	// recordOffsetUpdate is followed by the u32 stream offset.
	recordOffsetUpdate
	// recordIncrementalOffsetUpdate is followed by a u8 offset increase.
	recordIncrementalOffsetUpdate
	// recordCroppedFlag marks the next command as cropped. No data.
	recordCroppedFlag
)

// ring is a byte ring buffer. The writer never catches up with the reader,
// so equal positions always mean empty.
type ring struct {
	data []byte
}

func (r *ring) size() int {
	return len(r.data)
}

// free returns how many bytes can be written at writePos without reaching
// readPos.
func (r *ring) free(writePos, readPos int) int {
	return r.size() - 1 - r.used(readPos, writePos)
}

// used returns the number of bytes between from and to.
func (r *ring) used(from, to int) int {
	return (to - from + r.size()) % r.size()
}

func (r *ring) write(pos int, b []byte) int {
	n := copy(r.data[pos:], b)
	copy(r.data, b[n:])

	return (pos + len(b)) % r.size()
}

func (r *ring) read(pos int, b []byte) int {
	n := copy(b, r.data[pos:])
	copy(b[n:], r.data)

	return (pos + len(b)) % r.size()
}

func (r *ring) readByte(pos int) (byte, int) {
	return r.data[pos], (pos + 1) % r.size()
}

func (r *ring) readUint32(pos int) (uint32, int) {
	var b [4]byte
	pos = r.read(pos, b[:])

	return binary.BigEndian.Uint32(b[:]), pos
}

// compactGcode drops the trailing comment and whitespace of a command and
// returns its new length.
func compactGcode(cmd []byte) int {
	n := len(cmd)

	for i, c := range cmd {
		if c == ';' {
			n = i

			break
		}
	}

	for n > 0 && isSpace(cmd[n-1]) {
		n--
	}

	return n
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	default:
		return false
	}
}
