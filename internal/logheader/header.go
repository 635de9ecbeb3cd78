package logheader

import (
	"bytes"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/wire"
)

// Magic identifies a recovery log file.
var Magic = []byte("WASLOG")

// FormatVersion is the version written by this implementation.
const FormatVersion int32 = 1

// acceptedVersions lists the format versions this implementation can read.
var acceptedVersions = map[int32]bool{
	FormatVersion: true,
}

// Status is the lifecycle state of one physical log file.
type Status int32

const (
	// StatusInvalid marks a header that failed validation. Never persisted.
	StatusInvalid Status = 0

	// StatusInactive marks the file not currently receiving records.
	StatusInactive Status = 1

	// StatusActive marks the file receiving records.
	StatusActive Status = 2

	// StatusKeypointing marks the target of an in-progress keypoint.
	StatusKeypointing Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusActive:
		return "ACTIVE"
	case StatusKeypointing:
		return "KEYPOINTING"
	default:
		return "INVALID"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Status) persistable() bool {
	return s == StatusInactive || s == StatusActive || s == StatusKeypointing
}

// Byte offsets of the fixed part of the header.
const (
	lengthOffset  = 0
	magicOffset   = lengthOffset + wire.IntSize
	versionOffset = magicOffset + 6

	// StatusOffset is where the status integer lives in every header, so
	// status-only transitions can be written without re-encoding.
	StatusOffset = versionOffset + wire.IntSize

	timestampOffset = StatusOffset + wire.IntSize
	sequenceOffset  = timestampOffset + wire.LongSize
	namesOffset     = sequenceOffset + wire.LongSize
)

// Variable-section field markers.
const (
	fieldShutdown int16 = 1
)

const shutdownFieldSize = wire.ShortSize + wire.ByteSize

// Identity names the owner of a log file.
type Identity struct {
	ServerName     string
	ServiceName    string
	ServiceVersion int32
	LogName        string
}

// normalized returns the identity with NFC-normalized names.
func (id Identity) normalized() Identity {
	id.ServerName = norm.NFC.String(id.ServerName)
	id.ServiceName = norm.NFC.String(id.ServiceName)
	id.LogName = norm.NFC.String(id.LogName)
	return id
}

// Header is the in-memory form of a log file header.
type Header struct {
	Identity

	Version             int32
	Status              Status
	Timestamp           int64
	FirstRecordSequence int64
	ServiceData         []byte

	// cleanShutdown is the flag the next encode will persist.
	cleanShutdown bool
	// wasClean is the flag observed on disk by Decode.
	wasClean bool
	// incompatible is set when the magic matched but the version did not.
	incompatible bool
}

// New returns an empty header for the given identity. Status is INACTIVE and
// timestamp and sequence are zero until the file is initialized.
func New(id Identity) *Header {
	return &Header{
		Identity: id.normalized(),
		Version:  FormatVersion,
		Status:   StatusInactive,
	}
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	c := *h
	if h.ServiceData != nil {
		c.ServiceData = append([]byte(nil), h.ServiceData...)
	}
	return &c
}

// Valid reports whether the header passed integrity validation.
func (h *Header) Valid() bool {
	return !h.incompatible && h.Status != StatusInvalid
}

// Compatible reports whether the header's format version can be read.
func (h *Header) Compatible() bool {
	return !h.incompatible
}

// WasShutdownClean reports whether the file was closed cleanly before it was
// last read.
func (h *Header) WasShutdownClean() bool {
	return h.wasClean
}

// SetCleanShutdown sets the flag persisted by the next encode.
func (h *Header) SetCleanShutdown(clean bool) {
	h.cleanShutdown = clean
}

// CleanShutdown returns the flag the next encode will persist.
func (h *Header) CleanShutdown() bool {
	return h.cleanShutdown
}

// ResetIdentity copies the identity fields from other.
func (h *Header) ResetIdentity(other *Header) {
	h.Identity = other.Identity.normalized()
}

// Keypoint prepares the header of a keypoint target.
func (h *Header) Keypoint(timestamp, firstSequence int64, serviceData []byte) {
	h.Version = FormatVersion
	h.Status = StatusKeypointing
	h.Timestamp = timestamp
	h.FirstRecordSequence = firstSequence
	h.ServiceData = serviceData
	h.cleanShutdown = false
	h.incompatible = false
}

// CheckService verifies that the header belongs to the requesting client.
// A header written by a newer service version is incompatible.
func (h *Header) CheckService(want Identity) error {
	want = want.normalized()
	switch {
	case h.ServiceName != want.ServiceName:
		return logerr.Errorf(logerr.CodeIncompatible, "check service", "service %q does not own log (owner %q)", want.ServiceName, h.ServiceName)
	case h.LogName != want.LogName:
		return logerr.Errorf(logerr.CodeIncompatible, "check service", "log name %q does not match %q", h.LogName, want.LogName)
	case h.ServiceVersion > want.ServiceVersion:
		return logerr.Errorf(logerr.CodeIncompatible, "check service", "log written by service version %d, client is %d", h.ServiceVersion, want.ServiceVersion)
	}
	return nil
}

// Len returns the encoded length of the header.
func (h *Header) Len() int {
	n := namesOffset
	n += wire.BlobSize([]byte(h.ServerName))
	n += wire.BlobSize([]byte(h.ServiceName))
	n += wire.IntSize
	n += wire.BlobSize([]byte(h.LogName))
	n += wire.IntSize + shutdownFieldSize
	n += wire.BlobSize(h.ServiceData)
	n += wire.LongSize + wire.LongSize
	return n
}

// Encode returns the encoded header.
func (h *Header) Encode() []byte {
	buf := make([]byte, h.Len())
	h.encode(buf)
	return buf
}

// EncodeInto writes the header at offset 0 of buf and returns its length.
func (h *Header) EncodeInto(buf []byte) (int, error) {
	n := h.Len()
	if len(buf) < n {
		return 0, logerr.Errorf(logerr.CodeInternal, "encode header", "header needs %d bytes, buffer has %d", n, len(buf))
	}
	h.encode(buf)
	return n, nil
}

func (h *Header) encode(buf []byte) {
	status := h.Status
	if !status.persistable() {
		status = StatusInactive
	}
	var flag byte
	if h.cleanShutdown {
		flag = 1
	}

	off := wire.PutInt(buf, lengthOffset, int32(h.Len()))
	off = wire.PutRaw(buf, off, Magic)
	off = wire.PutInt(buf, off, FormatVersion)
	off = wire.PutInt(buf, off, int32(status))
	off = wire.PutLong(buf, off, h.Timestamp)
	off = wire.PutLong(buf, off, h.FirstRecordSequence)
	off = wire.PutBlob(buf, off, []byte(h.ServerName))
	off = wire.PutBlob(buf, off, []byte(h.ServiceName))
	off = wire.PutInt(buf, off, h.ServiceVersion)
	off = wire.PutBlob(buf, off, []byte(h.LogName))
	off = wire.PutInt(buf, off, shutdownFieldSize)
	off = wire.PutShort(buf, off, fieldShutdown)
	off = wire.PutByte(buf, off, flag)
	off = wire.PutBlob(buf, off, h.ServiceData)
	off = wire.PutLong(buf, off, h.Timestamp)
	wire.PutLong(buf, off, h.FirstRecordSequence)
}

// Decode parses a header from the start of buf. It never fails: a header that
// cannot be trusted comes back with Status INVALID, and a header with a
// foreign format version comes back with Compatible() == false.
//
// The clean-shutdown flag read from disk is reported by WasShutdownClean and
// cleared in memory so the next write records an unclean state.
func Decode(buf []byte) *Header {
	h := &Header{Status: StatusInvalid}

	if len(buf) < versionOffset || !bytes.Equal(buf[magicOffset:versionOffset], Magic) {
		return h
	}
	version, _, err := wire.Int(buf, versionOffset)
	if err != nil {
		return h
	}
	h.Version = version
	if !acceptedVersions[version] {
		h.incompatible = true
		return h
	}

	total, _, _ := wire.Int(buf, lengthOffset)
	if int(total) < namesOffset || int(total) > len(buf) {
		return h
	}
	if err := h.decodeFields(buf[:total]); err != nil {
		h.Status = StatusInvalid
		return h
	}
	return h
}

func (h *Header) decodeFields(buf []byte) error {
	status, off, err := wire.Int(buf, StatusOffset)
	if err != nil {
		return err
	}
	ts, off, err := wire.Long(buf, off)
	if err != nil {
		return err
	}
	seq, off, err := wire.Long(buf, off)
	if err != nil {
		return err
	}
	server, off, err := wire.Blob(buf, off)
	if err != nil {
		return err
	}
	service, off, err := wire.Blob(buf, off)
	if err != nil {
		return err
	}
	serviceVersion, off, err := wire.Int(buf, off)
	if err != nil {
		return err
	}
	logName, off, err := wire.Blob(buf, off)
	if err != nil {
		return err
	}
	varLen, off, err := wire.Int(buf, off)
	if err != nil {
		return err
	}
	if varLen < 0 || int(varLen) > len(buf)-off {
		return fmt.Errorf("bad variable section length %d", varLen)
	}
	clean, err := decodeVariable(buf[off : off+int(varLen)])
	if err != nil {
		return err
	}
	off += int(varLen)
	serviceData, off, err := wire.Blob(buf, off)
	if err != nil {
		return err
	}
	ts2, off, err := wire.Long(buf, off)
	if err != nil {
		return err
	}
	seq2, off, err := wire.Long(buf, off)
	if err != nil {
		return err
	}
	if off != len(buf) {
		return fmt.Errorf("header length %d, parsed %d", len(buf), off)
	}
	if ts != ts2 || seq != seq2 || ts <= 0 {
		return fmt.Errorf("integrity fields disagree")
	}

	s := Status(status)
	if !s.persistable() {
		return fmt.Errorf("unknown status %d", status)
	}

	h.Status = s
	h.Timestamp = ts
	h.FirstRecordSequence = seq
	h.ServerName = string(server)
	h.ServiceName = string(service)
	h.ServiceVersion = serviceVersion
	h.LogName = string(logName)
	if len(serviceData) > 0 {
		h.ServiceData = serviceData
	}
	h.wasClean = clean
	h.cleanShutdown = false
	return nil
}

// decodeVariable walks marker/value pairs. Unknown markers end the walk so
// newer writers can append fields.
func decodeVariable(b []byte) (clean bool, err error) {
	off := 0
	for off < len(b) {
		marker, next, err := wire.Short(b, off)
		if err != nil {
			return false, err
		}
		if marker != fieldShutdown {
			return clean, nil
		}
		v, next, err := wire.Byte(b, next)
		if err != nil {
			return false, err
		}
		clean = v == 1
		off = next
	}
	return clean, nil
}

// PeekStatus reads the status field without decoding the rest of the header.
func PeekStatus(buf []byte) Status {
	v, _, err := wire.Int(buf, StatusOffset)
	if err != nil {
		return StatusInvalid
	}
	s := Status(v)
	if !s.persistable() {
		return StatusInvalid
	}
	return s
}

// EncodeStatus returns the four bytes written at StatusOffset for s.
func EncodeStatus(s Status) []byte {
	b := make([]byte, wire.IntSize)
	wire.PutInt(b, 0, int32(s))
	return b
}
