// Package partialfile tracks which byte ranges of a preallocated destination
// file already hold valid content.
package partialfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StateSize is the encoded size of State. The layout is persisted in backup
// files, so it must not change.
const StateSize = 8 + 1 + 8 + 8 + 1 + 8 + 8

// ErrInvalidState is returned when decoding a malformed State.
var ErrInvalidState = errors.New("invalid partial file state")

// ValidPart is a half-open [Start, End) byte range of valid content.
type ValidPart struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the range.
func (p ValidPart) Len() uint64 {
	return p.End - p.Start
}

// Merge extends p by other if the two ranges touch or overlap.
func (p *ValidPart) Merge(other ValidPart) {
	if other.Start > p.End || other.End < p.Start {
		return
	}

	p.Start = min(p.Start, other.Start)
	p.End = max(p.End, other.End)
}

// State is the validity record of a partial file. It is a plain value with no
// references so it can be copied, compared and written into a backup verbatim.
//
// At most two ranges are tracked: the head, growing from offset 0, and the
// tail, usually reaching the end of the file. Ranges touching neither of them
// are not recorded.
type State struct {
	TotalSize uint64

	ValidHead ValidPart
	HasHead   bool

	ValidTail ValidPart
	HasTail   bool
}

// NewState returns an empty State for a file of the given size.
func NewState(totalSize uint64) State {
	return State{TotalSize: totalSize}
}

// Head returns the valid head range, if any.
func (s State) Head() (ValidPart, bool) {
	return s.ValidHead, s.HasHead
}

// Tail returns the valid tail range, if any.
func (s State) Tail() (ValidPart, bool) {
	return s.ValidTail, s.HasTail
}

// HasValidHead reports whether the first n bytes are valid.
func (s State) HasValidHead(n uint64) bool {
	return s.HasHead && s.ValidHead.Start == 0 && s.ValidHead.End >= n
}

// HasValidTail reports whether the last n bytes are valid.
func (s State) HasValidTail(n uint64) bool {
	if !s.HasTail || n > s.TotalSize {
		return false
	}

	return s.ValidTail.Start <= s.TotalSize-n && s.ValidTail.End == s.TotalSize
}

// MarkValid records [start, end) as valid.
func (s *State) MarkValid(start, end uint64) {
	s.Extend(ValidPart{Start: start, End: end})
}

// Extend merges a newly validated range into the head or the tail.
func (s *State) Extend(part ValidPart) {
	if part.End <= part.Start {
		return
	}

	if s.HasHead {
		s.ValidHead.Merge(part)
	} else if part.Start == 0 {
		s.ValidHead, s.HasHead = part, true
	}

	var headEnd uint64
	if s.HasHead {
		headEnd = s.ValidHead.End
	}

	if s.HasTail {
		s.ValidTail.Merge(part)
	} else if part.Start > headEnd {
		s.ValidTail, s.HasTail = part, true
	}

	if s.HasHead && s.ValidHead.End == s.TotalSize {
		s.ValidTail, s.HasTail = s.ValidHead, true
	}

	if s.HasHead && s.HasTail {
		s.ValidHead.Merge(s.ValidTail)
		s.ValidTail.Merge(s.ValidHead)
	}
}

// ValidSize returns the number of bytes known to be valid.
func (s State) ValidSize() uint64 {
	switch {
	case s.HasHead && s.HasTail && s.ValidHead == s.ValidTail:
		return s.ValidHead.Len()
	case s.HasHead && s.HasTail:
		return s.ValidHead.Len() + s.ValidTail.Len()
	case s.HasHead:
		return s.ValidHead.Len()
	case s.HasTail:
		return s.ValidTail.Len()
	default:
		return 0
	}
}

// PercentValid returns the valid share of the file in whole percents.
func (s State) PercentValid() int {
	if s.TotalSize == 0 {
		return 100
	}

	return int(s.ValidSize() * 100 / s.TotalSize)
}

// Complete reports whether the whole file is valid.
func (s State) Complete() bool {
	return s.ValidSize() == s.TotalSize
}

// MarshalBinary encodes the state into its fixed StateSize layout.
func (s State) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, StateSize))
}

// AppendBinary appends the fixed layout encoding of s to b.
func (s State) AppendBinary(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint64(b, s.TotalSize)
	b = appendPart(b, s.ValidHead, s.HasHead)
	b = appendPart(b, s.ValidTail, s.HasTail)

	return b, nil
}

// UnmarshalBinary decodes a state produced by MarshalBinary.
func (s *State) UnmarshalBinary(b []byte) error {
	if len(b) != StateSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidState, len(b), StateSize)
	}

	var decoded State

	decoded.TotalSize = binary.BigEndian.Uint64(b[0:8])

	var err error

	if decoded.ValidHead, decoded.HasHead, err = readPart(b[8:25]); err != nil {
		return err
	}

	if decoded.ValidTail, decoded.HasTail, err = readPart(b[25:42]); err != nil {
		return err
	}

	*s = decoded

	return nil
}

func appendPart(b []byte, part ValidPart, present bool) []byte {
	if !present {
		b = append(b, 0)
		part = ValidPart{}
	} else {
		b = append(b, 1)
	}

	b = binary.BigEndian.AppendUint64(b, part.Start)

	return binary.BigEndian.AppendUint64(b, part.End)
}

func readPart(b []byte) (ValidPart, bool, error) {
	part := ValidPart{
		Start: binary.BigEndian.Uint64(b[1:9]),
		End:   binary.BigEndian.Uint64(b[9:17]),
	}

	switch b[0] {
	case 0:
		return ValidPart{}, false, nil
	case 1:
		if part.End < part.Start {
			return ValidPart{}, false, fmt.Errorf("%w: range %d-%d", ErrInvalidState, part.Start, part.End)
		}

		return part, true, nil
	default:
		return ValidPart{}, false, fmt.Errorf("%w: presence flag %d", ErrInvalidState, b[0])
	}
}
