// Package codec implements the fixed-layout binary format for self-play
// training records. All multi-byte fields are little-endian and every version
// has a constant serialized size, so multi-record chunk files can be addressed
// by recordIndex * RecordSize(version) without any framing.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// PolicyVectorSize is the length of the flat move-index probability
	// vector. Protocol constant, identical across all supported versions.
	PolicyVectorSize = 1858

	// PlaneCount is the number of packed board-history bitmask planes.
	// The plane contents are opaque to the codec.
	PlaneCount = 104
)

// Supported format versions.
const (
	VersionV3 uint32 = 3
	VersionV4 uint32 = 4
	VersionV5 uint32 = 5
	VersionV6 uint32 = 6
)

const (
	policyBytes = PolicyVectorSize * 4
	planeBytes  = PlaneCount * 8

	// version + policy + planes + 4 castling bytes + side-to-move +
	// rule50 + move count + result.
	recordSizeV3 = 4 + policyBytes + planeBytes + 8

	// V3 plus root/best value and draw estimates.
	recordSizeV4 = recordSizeV3 + 16

	// V4 plus the input-format tag and root/best/plies moves-left targets.
	recordSizeV5 = recordSizeV4 + 4 + 12

	// V5 plus paired original/as-played value targets, visit and move-index
	// statistics, policy divergence and a reserved trailer.
	recordSizeV6 = recordSizeV5 + 32 + 16
)

// TrainingRecord is a single self-play position with its training targets.
// It is the union of all supported version layouts; fields absent from a
// record's version are zero after decode and ignored on encode.
type TrainingRecord struct {
	Version uint32

	// InputFormat is the self-describing plane-layout tag (V5+).
	InputFormat uint32

	Policy [PolicyVectorSize]float32
	Planes [PlaneCount]uint64

	CastlingUsOOO   uint8
	CastlingUsOO    uint8
	CastlingThemOOO uint8
	CastlingThemOO  uint8

	// SideToMove also carries en-passant bits for some V5+ input formats;
	// the codec does not interpret it.
	SideToMove uint8
	Rule50     uint8

	// MoveCount is meaningful up to V4. From V5 the same byte carries
	// InvarianceInfo, the symmetry/transform bitfield.
	MoveCount      uint8
	InvarianceInfo uint8

	// Result is the final game outcome from the side to move's view
	// (-1, 0, 1). From V6 the byte is retained as DepResult and the
	// outcome moves into ResultQ/ResultD.
	Result    int8
	DepResult int8

	// V4+ value targets.
	RootQ float32
	BestQ float32
	RootD float32
	BestD float32

	// V5+ moves-left targets.
	RootM     float32
	BestM     float32
	PliesLeft float32

	// V6 paired targets: the "result" values as finally scored, the
	// "played" values for the move actually chosen, and the "orig"
	// uncorrected copies kept for post-hoc rescoring.
	ResultQ float32
	ResultD float32
	PlayedQ float32
	PlayedD float32
	PlayedM float32
	OrigQ   float32
	OrigD   float32
	OrigM   float32

	Visits    uint32
	PlayedIdx uint16
	BestIdx   uint16
	PolicyKLD float32
	Reserved  uint32
}

// RecordSize returns the exact serialized size in bytes for a format version.
func RecordSize(version uint32) (int, error) {
	switch version {
	case VersionV3:
		return recordSizeV3, nil
	case VersionV4:
		return recordSizeV4, nil
	case VersionV5:
		return recordSizeV5, nil
	case VersionV6:
		return recordSizeV6, nil
	default:
		return 0, &UnsupportedVersionError{Version: version}
	}
}

// Encode serializes a record into its version's fixed layout.
func Encode(record *TrainingRecord) ([]byte, error) {
	size, err := RecordSize(record.Version)
	if err != nil {
		return nil, err
	}
	w := writer{buf: make([]byte, 0, size)}

	w.u32(record.Version)
	if record.Version >= VersionV5 {
		w.u32(record.InputFormat)
	}
	for i := range record.Policy {
		w.f32(record.Policy[i])
	}
	for i := range record.Planes {
		w.u64(record.Planes[i])
	}
	w.u8(record.CastlingUsOOO)
	w.u8(record.CastlingUsOO)
	w.u8(record.CastlingThemOOO)
	w.u8(record.CastlingThemOO)
	w.u8(record.SideToMove)
	w.u8(record.Rule50)
	if record.Version >= VersionV5 {
		w.u8(record.InvarianceInfo)
	} else {
		w.u8(record.MoveCount)
	}
	if record.Version >= VersionV6 {
		w.i8(record.DepResult)
	} else {
		w.i8(record.Result)
	}
	if record.Version >= VersionV4 {
		w.f32(record.RootQ)
		w.f32(record.BestQ)
		w.f32(record.RootD)
		w.f32(record.BestD)
	}
	if record.Version >= VersionV5 {
		w.f32(record.RootM)
		w.f32(record.BestM)
		w.f32(record.PliesLeft)
	}
	if record.Version >= VersionV6 {
		w.f32(record.ResultQ)
		w.f32(record.ResultD)
		w.f32(record.PlayedQ)
		w.f32(record.PlayedD)
		w.f32(record.PlayedM)
		w.f32(record.OrigQ)
		w.f32(record.OrigD)
		w.f32(record.OrigM)
		w.u32(record.Visits)
		w.u16(record.PlayedIdx)
		w.u16(record.BestIdx)
		w.f32(record.PolicyKLD)
		w.u32(record.Reserved)
	}

	if len(w.buf) != size {
		// Layout definitions and RecordSize disagree; a bug, not bad input.
		return nil, &FormatError{
			Version:  record.Version,
			Expected: size,
			Actual:   len(w.buf),
			Message:  "encoded length does not match the version's record size",
		}
	}
	return w.buf, nil
}

// Decode parses a buffer holding exactly one record. The leading version
// field selects the layout; a buffer whose length is not exactly the
// version's record size is rejected outright, never partially parsed.
func Decode(buf []byte) (*TrainingRecord, error) {
	if len(buf) < 4 {
		return nil, &FormatError{
			Expected: 4,
			Actual:   len(buf),
			Message:  "buffer too short to hold a version field",
		}
	}
	version := binary.LittleEndian.Uint32(buf)
	size, err := RecordSize(version)
	if err != nil {
		return nil, err
	}
	if len(buf) != size {
		return nil, &FormatError{
			Version:  version,
			Expected: size,
			Actual:   len(buf),
			Message:  "buffer length does not match the version's record size",
		}
	}

	r := reader{buf: buf}
	record := &TrainingRecord{Version: r.u32()}
	if version >= VersionV5 {
		record.InputFormat = r.u32()
	}
	for i := range record.Policy {
		record.Policy[i] = r.f32()
	}
	for i := range record.Planes {
		record.Planes[i] = r.u64()
	}
	record.CastlingUsOOO = r.u8()
	record.CastlingUsOO = r.u8()
	record.CastlingThemOOO = r.u8()
	record.CastlingThemOO = r.u8()
	record.SideToMove = r.u8()
	record.Rule50 = r.u8()
	if version >= VersionV5 {
		record.InvarianceInfo = r.u8()
	} else {
		record.MoveCount = r.u8()
	}
	if version >= VersionV6 {
		record.DepResult = r.i8()
	} else {
		record.Result = r.i8()
	}
	if version >= VersionV4 {
		record.RootQ = r.f32()
		record.BestQ = r.f32()
		record.RootD = r.f32()
		record.BestD = r.f32()
	}
	if version >= VersionV5 {
		record.RootM = r.f32()
		record.BestM = r.f32()
		record.PliesLeft = r.f32()
	}
	if version >= VersionV6 {
		record.ResultQ = r.f32()
		record.ResultD = r.f32()
		record.PlayedQ = r.f32()
		record.PlayedD = r.f32()
		record.PlayedM = r.f32()
		record.OrigQ = r.f32()
		record.OrigD = r.f32()
		record.OrigM = r.f32()
		record.Visits = r.u32()
		record.PlayedIdx = r.u16()
		record.BestIdx = r.u16()
		record.PolicyKLD = r.f32()
		record.Reserved = r.u32()
	}
	return record, nil
}

// SplitChunk validates that buf is an exact multiple of the version's record
// size and returns the individual record slices, aliasing buf.
func SplitChunk(buf []byte, version uint32) ([][]byte, error) {
	size, err := RecordSize(version)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 || len(buf)%size != 0 {
		return nil, &FormatError{
			Version:  version,
			Expected: size,
			Actual:   len(buf),
			Message:  fmt.Sprintf("chunk length %d is not a positive multiple of the record size", len(buf)),
		}
	}
	records := make([][]byte, 0, len(buf)/size)
	for off := 0; off < len(buf); off += size {
		records = append(records, buf[off:off+size])
	}
	return records, nil
}

// DecodeChunk decodes every record of a chunk. Fails on the first invalid
// record without returning any partial results.
func DecodeChunk(buf []byte, version uint32) ([]*TrainingRecord, error) {
	raw, err := SplitChunk(buf, version)
	if err != nil {
		return nil, err
	}
	records := make([]*TrainingRecord, len(raw))
	for i, b := range raw {
		record, err := Decode(b)
		if err != nil {
			return nil, err
		}
		if record.Version != version {
			return nil, &FormatError{
				Version:  version,
				Expected: int(version),
				Actual:   int(record.Version),
				Message:  fmt.Sprintf("record %d declares version %d inside a version %d chunk", i, record.Version, version),
			}
		}
		records[i] = record
	}
	return records, nil
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)  { w.buf = append(w.buf, v) }
func (w *writer) i8(v int8)   { w.buf = append(w.buf, uint8(v)) }
func (w *writer) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) i8() int8 { return int8(r.u8()) }

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }
