package transfer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/monitor"
	"github.com/italolelis/transferd/internal/partialfile"
)

// memFile is a growable in memory BackupFile.
type memFile struct {
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, errors.New("eof")
	}

	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, errors.New("short read")
	}

	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}

	return copy(f.data[off:], p), nil
}

func sampleState() partialfile.State {
	s := partialfile.NewState(100_000)
	s.Extend(partialfile.ValidPart{Start: 0, End: 4096})
	s.Extend(partialfile.ValidPart{Start: 90_000, End: 100_000})

	return s
}

func TestBackup_RoundTrip(t *testing.T) {
	headers := []Header{
		{Name: "X-Token", Value: StringValue("secret")},
		{Name: "X-Size", Value: SizeValue(123456)},
		{Name: "X-Short", Value: StringValue("abcdefgh"), SizeLimit: 4, HasSizeLimit: true},
	}

	tests := []struct {
		name    string
		req     Request
		headers []Header
	}{
		{
			name: "plain without headers",
			req: Request{
				Host:     "connect.example.com",
				Port:     8080,
				Path:     "/files/benchy.gcode",
				OrigSize: 100_000,
			},
		},
		{
			name: "encrypted with headers",
			req: Request{
				Host:         "10.0.0.5",
				Path:         "/f/1",
				TLS:          true,
				OrigSize:     100_000,
				Encryption:   &Encryption{Key: [16]byte{1, 2, 3}, Nonce: [16]byte{9, 8, 7}},
				ExtraHeaders: StaticHeaders(headers...),
			},
			headers: headers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := sampleState()
			slot := SlotInfo{ID: 42, Type: monitor.Connect, Destination: "/usb/benchy.gcode", Expected: 100_000}

			var buf bytes.Buffer
			require.NoError(t, MakeBackup(&buf, tt.req, state, slot))

			b, err := Restore(&buf)
			require.NoError(t, err)

			assert.Equal(t, tt.req.Host, b.Request.Host)
			assert.Equal(t, tt.req.Port, b.Request.Port)
			assert.Equal(t, tt.req.Path, b.Request.Path)
			assert.Equal(t, tt.req.TLS, b.Request.TLS)
			assert.Equal(t, tt.req.OrigSize, b.Request.OrigSize)
			assert.Equal(t, tt.req.Encryption, b.Request.Encryption)
			assert.Equal(t, tt.headers, b.Request.Headers())
			assert.Equal(t, state, b.PartialFileState)
			assert.Equal(t, slot, b.Slot)
		})
	}
}

func TestUpdateBackup_ReplacesOnlyState(t *testing.T) {
	req := Request{
		Host:         "example.com",
		Path:         "/a.gcode",
		OrigSize:     100_000,
		ExtraHeaders: StaticHeaders(Header{Name: "Authorization", Value: StringValue("Bearer x")}),
	}
	slot := SlotInfo{ID: 7, Type: monitor.Link, Destination: "/usb/a.gcode", Expected: 100_000}

	var buf bytes.Buffer
	require.NoError(t, MakeBackup(&buf, req, partialfile.NewState(100_000), slot))

	f := &memFile{data: buf.Bytes()}
	size := len(f.data)

	state := sampleState()
	require.NoError(t, UpdateBackup(f, state))
	assert.Len(t, f.data, size)

	b, err := Restore(bytes.NewReader(f.data))
	require.NoError(t, err)

	assert.Equal(t, state, b.PartialFileState)
	assert.Equal(t, slot, b.Slot)
	assert.Equal(t, "example.com", b.Request.Host)
	assert.Equal(t, req.Headers(), b.Request.Headers())
}

func TestUpdateBackup_InvalidFile(t *testing.T) {
	f := &memFile{data: []byte("not a backup at all")}

	err := UpdateBackup(f, sampleState())
	require.ErrorIs(t, err, ErrInvalidBackup)
}

func TestRestore_Invalid(t *testing.T) {
	var valid bytes.Buffer
	require.NoError(t, MakeBackup(&valid, Request{Host: "h", Path: "/p", OrigSize: 10},
		partialfile.NewState(10), SlotInfo{ID: 1, Destination: "/usb/p"}))

	corrupt := func(at int) []byte {
		data := bytes.Clone(valid.Bytes())
		data[at] ^= 0xff

		return data
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "bad magic", data: corrupt(0)},
		{name: "unknown version", data: corrupt(4)},
		{name: "request checksum", data: corrupt(backupHeaderSize + 1)},
		{name: "slot checksum", data: corrupt(valid.Len() - 1)},
		{name: "truncated", data: valid.Bytes()[:valid.Len()-6]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Restore(bytes.NewReader(tt.data))
			require.ErrorIs(t, err, ErrInvalidBackup)
		})
	}
}

func TestHeader_Render(t *testing.T) {
	tests := []struct {
		name   string
		header Header
		want   string
	}{
		{name: "string", header: Header{Name: "A", Value: StringValue("value")}, want: "value"},
		{name: "size", header: Header{Name: "B", Value: SizeValue(1048576)}, want: "1048576"},
		{name: "limited", header: Header{Name: "C", Value: StringValue("abcdef"), SizeLimit: 3, HasSizeLimit: true}, want: "abc"},
		{name: "limit above length", header: Header{Name: "D", Value: SizeValue(12), SizeLimit: 10, HasSizeLimit: true}, want: "12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.header.Render())
		})
	}
}

func TestCollectHeaders(t *testing.T) {
	assert.Nil(t, CollectHeaders(nil))
	assert.Nil(t, CollectHeaders(StaticHeaders()))

	calls := 0
	src := func(dst []Header) int {
		calls++
		for i := range dst {
			dst[i] = Header{Name: "X", Value: SizeValue(uint64(i))}
		}

		return 2
	}

	got := CollectHeaders(src)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []Header{{Name: "X", Value: SizeValue(0)}, {Name: "X", Value: SizeValue(1)}}, got)
}

func TestRequest_URL(t *testing.T) {
	assert.Equal(t, "http://example.com/a.gcode", Request{Host: "example.com", Path: "/a.gcode"}.URL())
	assert.Equal(t, "https://example.com:8443/a.gcode", Request{Host: "example.com", Port: 8443, TLS: true, Path: "/a.gcode"}.URL())
	assert.Equal(t, "http://[::1]:80/x", Request{Host: "::1", Port: 80, Path: "/x"}.URL())
}
