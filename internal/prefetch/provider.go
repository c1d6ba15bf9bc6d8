package prefetch

// Result is the outcome of a provider call.
type Result int

const (
	ResultOK Result = iota
	ResultEOF
	// ResultTimeout means no data is available right now; retrying later may
	// succeed without reopening the stream.
	ResultTimeout
	ResultError
	// ResultOutOfRange means the data is not downloaded yet.
	ResultOutOfRange
	ResultCorrupt
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultEOF:
		return "eof"
	case ResultTimeout:
		return "timeout"
	case ResultError:
		return "error"
	case ResultOutOfRange:
		return "out_of_range"
	case ResultCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// GcodeProvider streams the gcode of a file byte by byte.
type GcodeProvider interface {
	// StreamGcodeStart positions the stream at offset.
	StreamGcodeStart(offset uint32) Result
	// StreamGetc returns the next byte of the stream.
	StreamGetc() (byte, Result)
	// StreamSizeEstimate is the expected size of the whole stream.
	StreamSizeEstimate() uint32
	Close() error
}

// Opener opens a provider for the file at path.
type Opener func(path string) (GcodeProvider, error)
