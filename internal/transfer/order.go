package transfer

import (
	"path/filepath"
	"strings"

	"github.com/italolelis/transferd/internal/partialfile"
)

const (
	// TailSize is how much of the end of a plain gcode file is fetched before
	// its body. Slicers put the print metadata there.
	TailSize = 16 * 1024

	// MinimalFileSize is the smallest gcode for which the tail is worth a
	// separate range request.
	MinimalFileSize = 64 * 1024
)

// Action tells the transfer what to do after a download step.
type Action int

const (
	ActionContinue Action = iota
	// ActionRangeJump drops the current request and starts a new one at the
	// next offset of the order.
	ActionRangeJump
	ActionFinished
)

// DownloadOrder decides which part of the file is downloaded next.
type DownloadOrder interface {
	Step(state partialfile.State) Action
	NextOffset(state partialfile.State) uint64
}

// NewDownloadOrder picks the order for a file: plain gcode files large enough
// get their tail first, everything else is downloaded front to back.
func NewDownloadOrder(dest string, state partialfile.State) DownloadOrder {
	if IsPlainGcode(dest) && state.TotalSize >= MinimalFileSize {
		return NewPlainGcodeOrder(state)
	}

	return GenericOrder{}
}

// IsPlainGcode reports whether the file name denotes a text gcode file.
func IsPlainGcode(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))

	return ext == ".gcode" || ext == ".gc" || ext == ".g" || ext == ".gco"
}

// GenericOrder downloads sequentially from the end of the valid head.
type GenericOrder struct{}

func (GenericOrder) Step(state partialfile.State) Action {
	if state.Complete() {
		return ActionFinished
	}

	return ActionContinue
}

func (GenericOrder) NextOffset(state partialfile.State) uint64 {
	if head, ok := state.Head(); ok {
		return head.End
	}

	return 0
}

type plainGcodePhase int

const (
	phaseTail plainGcodePhase = iota
	phaseBody
)

// PlainGcodeOrder downloads the last TailSize bytes first and then the body.
type PlainGcodeOrder struct {
	phase plainGcodePhase
}

// NewPlainGcodeOrder resumes in the body phase when the tail is already there.
func NewPlainGcodeOrder(state partialfile.State) *PlainGcodeOrder {
	if state.HasValidTail(TailSize) {
		return &PlainGcodeOrder{phase: phaseBody}
	}

	return &PlainGcodeOrder{phase: phaseTail}
}

func (o *PlainGcodeOrder) Step(state partialfile.State) Action {
	switch o.phase {
	case phaseTail:
		if state.HasValidTail(TailSize) {
			o.phase = phaseBody

			return ActionRangeJump
		}

		return ActionContinue
	default:
		if state.Complete() {
			return ActionFinished
		}

		return ActionContinue
	}
}

func (o *PlainGcodeOrder) NextOffset(state partialfile.State) uint64 {
	switch o.phase {
	case phaseTail:
		if tail, ok := state.Tail(); ok {
			return tail.End
		}

		return state.TotalSize - TailSize
	default:
		if head, ok := state.Head(); ok {
			return head.End
		}

		return 0
	}
}
