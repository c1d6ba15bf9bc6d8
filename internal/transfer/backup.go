package transfer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/italolelis/transferd/internal/monitor"
	"github.com/italolelis/transferd/internal/partialfile"
)

// Backup file layout, all integers big endian:
//
//	magic "TRBK" | version u8 | state offset u32
//	request record | crc32
//	partial file state | crc32      (at state offset)
//	slot record | crc32
//
// The state sub-record has a fixed size, so UpdateBackup can rewrite it in
// place without touching the rest.
const (
	backupMagic   = "TRBK"
	backupVersion = uint8(1)

	backupHeaderSize = 4 + 1 + 4
	stateRecordSize  = partialfile.StateSize + 4
)

const (
	valueTagString uint8 = iota
	valueTagSize
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ErrInvalidBackup is returned for backups that cannot be parsed, including
// the empty backups marking failed transfers.
var ErrInvalidBackup = errors.New("invalid transfer backup")

// SlotInfo is the part of the monitor slot kept in a backup.
type SlotInfo struct {
	ID          monitor.TransferID
	Type        monitor.Type
	Destination string
	Expected    uint64
}

// Backup is the content of a restored backup file.
type Backup struct {
	Request          Request
	PartialFileState partialfile.State
	Slot             SlotInfo
}

// MakeBackup writes a complete backup of a transfer to w.
func MakeBackup(w io.Writer, req Request, state partialfile.State, slot SlotInfo) error {
	request, err := encodeRequest(req)
	if err != nil {
		return err
	}

	stateBytes, err := state.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode partial file state: %w", err)
	}

	slotRecord, err := encodeSlot(slot)
	if err != nil {
		return err
	}

	var buf bytes.Buffer

	buf.WriteString(backupMagic)
	buf.WriteByte(backupVersion)
	_ = binary.Write(&buf, binary.BigEndian, uint32(backupHeaderSize+len(request)+4))

	writeRecord(&buf, request)
	writeRecord(&buf, stateBytes)
	writeRecord(&buf, slotRecord)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	return nil
}

// BackupFile is the random access file UpdateBackup rewrites.
type BackupFile interface {
	io.ReaderAt
	io.WriterAt
}

// UpdateBackup replaces the partial file state stored in an existing backup.
// Nothing else in the file is touched.
func UpdateBackup(f BackupFile, state partialfile.State) error {
	header := make([]byte, backupHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%w: failed to read header: %v", ErrInvalidBackup, err)
	}

	offset, err := parseHeader(header)
	if err != nil {
		return err
	}

	stateBytes, err := state.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode partial file state: %w", err)
	}

	record := binary.BigEndian.AppendUint32(stateBytes, crc32.Checksum(stateBytes, crc32cTable))

	if _, err := f.WriteAt(record, int64(offset)); err != nil {
		return fmt.Errorf("failed to update backup: %w", err)
	}

	return nil
}

// Restore parses a backup written by MakeBackup.
func Restore(r io.Reader) (*Backup, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	if len(data) < backupHeaderSize {
		return nil, fmt.Errorf("%w: too small", ErrInvalidBackup)
	}

	offset, err := parseHeader(data[:backupHeaderSize])
	if err != nil {
		return nil, err
	}

	if uint64(offset)+stateRecordSize > uint64(len(data)) || offset < backupHeaderSize+4 {
		return nil, fmt.Errorf("%w: state offset %d out of range", ErrInvalidBackup, offset)
	}

	request, err := checkRecord(data[backupHeaderSize:offset], "request")
	if err != nil {
		return nil, err
	}

	stateBytes, err := checkRecord(data[offset:offset+stateRecordSize], "state")
	if err != nil {
		return nil, err
	}

	slotRecord, err := checkRecord(data[offset+stateRecordSize:], "slot")
	if err != nil {
		return nil, err
	}

	var b Backup

	if b.Request, err = decodeRequest(request); err != nil {
		return nil, err
	}

	if err := b.PartialFileState.UnmarshalBinary(stateBytes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBackup, err)
	}

	if b.Slot, err = decodeSlot(slotRecord); err != nil {
		return nil, err
	}

	return &b, nil
}

func parseHeader(header []byte) (uint32, error) {
	if string(header[:4]) != backupMagic {
		return 0, fmt.Errorf("%w: bad magic", ErrInvalidBackup)
	}

	if header[4] != backupVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidBackup, header[4])
	}

	return binary.BigEndian.Uint32(header[5:9]), nil
}

func writeRecord(buf *bytes.Buffer, record []byte) {
	buf.Write(record)
	_ = binary.Write(buf, binary.BigEndian, crc32.Checksum(record, crc32cTable))
}

func checkRecord(data []byte, name string) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %s record truncated", ErrInvalidBackup, name)
	}

	record, sum := data[:len(data)-4], binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(record, crc32cTable) != sum {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrInvalidBackup, name)
	}

	return record, nil
}

func encodeRequest(req Request) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeString(&buf, req.Host); err != nil {
		return nil, err
	}

	if err := writeString(&buf, req.Path); err != nil {
		return nil, err
	}

	_ = binary.Write(&buf, binary.BigEndian, req.Port)
	buf.WriteByte(boolByte(req.TLS))
	_ = binary.Write(&buf, binary.BigEndian, req.OrigSize)

	buf.WriteByte(boolByte(req.Encryption != nil))

	if req.Encryption != nil {
		buf.Write(req.Encryption.Key[:])
		buf.Write(req.Encryption.Nonce[:])
	}

	headers := req.Headers()
	if len(headers) > math.MaxUint16 {
		return nil, fmt.Errorf("too many extra headers: %d", len(headers))
	}

	_ = binary.Write(&buf, binary.BigEndian, uint16(len(headers)))

	for _, h := range headers {
		if err := writeString(&buf, h.Name); err != nil {
			return nil, err
		}

		switch v := h.Value.(type) {
		case StringValue:
			buf.WriteByte(valueTagString)

			if err := writeString(&buf, string(v)); err != nil {
				return nil, err
			}
		case SizeValue:
			buf.WriteByte(valueTagSize)
			_ = binary.Write(&buf, binary.BigEndian, uint64(v))
		default:
			return nil, fmt.Errorf("header %q has no value", h.Name)
		}

		buf.WriteByte(boolByte(h.HasSizeLimit))
		_ = binary.Write(&buf, binary.BigEndian, h.SizeLimit)
	}

	return buf.Bytes(), nil
}

func decodeRequest(data []byte) (Request, error) {
	d := decoder{data: data}

	var req Request

	req.Host = d.string()
	req.Path = d.string()
	req.Port = d.uint16()
	req.TLS = d.bool()
	req.OrigSize = d.uint64()

	if d.bool() {
		var enc Encryption

		copy(enc.Key[:], d.bytes(len(enc.Key)))
		copy(enc.Nonce[:], d.bytes(len(enc.Nonce)))
		req.Encryption = &enc
	}

	count := int(d.uint16())
	headers := make([]Header, 0, count)

	for range count {
		h := Header{Name: d.string()}

		switch tag := d.uint8(); tag {
		case valueTagString:
			h.Value = StringValue(d.string())
		case valueTagSize:
			h.Value = SizeValue(d.uint64())
		default:
			d.fail(fmt.Errorf("unknown header value tag %d", tag))
		}

		h.HasSizeLimit = d.bool()
		h.SizeLimit = d.uint32()

		headers = append(headers, h)
	}

	if err := d.finish(); err != nil {
		return Request{}, fmt.Errorf("%w: request: %w", ErrInvalidBackup, err)
	}

	if len(headers) > 0 {
		req.ExtraHeaders = StaticHeaders(headers...)
	}

	return req, nil
}

func encodeSlot(slot SlotInfo) ([]byte, error) {
	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.BigEndian, uint32(slot.ID))
	buf.WriteByte(byte(slot.Type))

	if err := writeString(&buf, slot.Destination); err != nil {
		return nil, err
	}

	_ = binary.Write(&buf, binary.BigEndian, slot.Expected)

	return buf.Bytes(), nil
}

func decodeSlot(data []byte) (SlotInfo, error) {
	d := decoder{data: data}

	slot := SlotInfo{
		ID:          monitor.TransferID(d.uint32()),
		Type:        monitor.Type(d.uint8()),
		Destination: d.string(),
		Expected:    d.uint64(),
	}

	if err := d.finish(); err != nil {
		return SlotInfo{}, fmt.Errorf("%w: slot: %w", ErrInvalidBackup, err)
	}

	return slot, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string too long for backup: %d bytes", len(s))
	}

	_ = binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)

	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}

// decoder reads fixed width fields, remembering the first failure.
type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}

	if d.pos+n > len(d.data) {
		d.fail(io.ErrUnexpectedEOF)

		return make([]byte, n)
	}

	b := d.data[d.pos : d.pos+n]
	d.pos += n

	return b
}

func (d *decoder) uint8() uint8   { return d.bytes(1)[0] }
func (d *decoder) uint16() uint16 { return binary.BigEndian.Uint16(d.bytes(2)) }
func (d *decoder) uint32() uint32 { return binary.BigEndian.Uint32(d.bytes(4)) }
func (d *decoder) uint64() uint64 { return binary.BigEndian.Uint64(d.bytes(8)) }

func (d *decoder) bool() bool {
	switch v := d.uint8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(fmt.Errorf("invalid bool %d", v))

		return false
	}
}

func (d *decoder) string() string {
	return string(d.bytes(int(d.uint16())))
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}

	if d.pos != len(d.data) {
		return fmt.Errorf("%d trailing bytes", len(d.data)-d.pos)
	}

	return nil
}
