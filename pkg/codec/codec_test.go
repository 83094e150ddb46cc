package codec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := map[string]struct {
		record *TrainingRecord
	}{
		"v3": {record: sampleRecord(VersionV3)},
		"v4": {record: sampleRecord(VersionV4)},
		"v5": {record: sampleRecord(VersionV5)},
		"v6": {record: sampleRecord(VersionV6)},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			buf, err := Encode(tc.record)
			require.NoError(t, err)

			decoded, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, tc.record, decoded)
		})
	}
}

func TestRecordSize(t *testing.T) {
	tests := map[string]struct {
		version uint32
		size    int
	}{
		"v3": {version: VersionV3, size: 8276},
		"v4": {version: VersionV4, size: 8292},
		"v5": {version: VersionV5, size: 8308},
		"v6": {version: VersionV6, size: 8356},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			size, err := RecordSize(tc.version)
			require.NoError(t, err)
			assert.Equal(t, tc.size, size)

			buf, err := Encode(sampleRecord(tc.version))
			require.NoError(t, err)
			assert.Len(t, buf, tc.size)
		})
	}
}

func TestEncodedLengthIsConstantPerVersion(t *testing.T) {
	a := sampleRecord(VersionV6)
	b := &TrainingRecord{Version: VersionV6}

	bufA, err := Encode(a)
	require.NoError(t, err)
	bufB, err := Encode(b)
	require.NoError(t, err)
	assert.Equal(t, len(bufA), len(bufB))
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	buf := make([]byte, recordSizeV6)
	binary.LittleEndian.PutUint32(buf, 99)

	_, err := Decode(buf)
	var unsupported *UnsupportedVersionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, uint32(99), unsupported.Version)
}

func TestDecodeWrongLength(t *testing.T) {
	buf, err := Encode(sampleRecord(VersionV6))
	require.NoError(t, err)

	tests := map[string][]byte{
		"truncated": buf[:len(buf)-1],
		"padded":    append(append([]byte{}, buf...), 0),
		"empty":     {},
		"tiny":      {6, 0},
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			var formatErr *FormatError
			require.ErrorAs(t, err, &formatErr)
		})
	}
}

func TestSplitChunk(t *testing.T) {
	size, err := RecordSize(VersionV6)
	require.NoError(t, err)

	var chunk []byte
	for i := 0; i < 3; i++ {
		record := sampleRecord(VersionV6)
		record.Rule50 = uint8(i)
		buf, err := Encode(record)
		require.NoError(t, err)
		chunk = append(chunk, buf...)
	}

	records, err := SplitChunk(chunk, VersionV6)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, b := range records {
		assert.Len(t, b, size)
		decoded, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, uint8(i), decoded.Rule50)
	}
}

func TestSplitChunkRejectsNonMultipleLength(t *testing.T) {
	buf, err := Encode(sampleRecord(VersionV6))
	require.NoError(t, err)

	tests := map[string][]byte{
		"empty":        {},
		"short":        buf[:100],
		"one and half": append(append([]byte{}, buf...), buf[:100]...),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := SplitChunk(b, VersionV6)
			var formatErr *FormatError
			require.ErrorAs(t, err, &formatErr)
		})
	}
}

func TestDecodeChunkRejectsMixedVersions(t *testing.T) {
	v6, err := Encode(sampleRecord(VersionV6))
	require.NoError(t, err)

	// A V5 record padded to V6 size still declares version 5 in its header.
	bad := append([]byte{}, v6...)
	binary.LittleEndian.PutUint32(bad, VersionV5)

	_, err = DecodeChunk(append(append([]byte{}, v6...), bad...), VersionV6)
	assert.Error(t, err)
}

// sampleRecord populates only the fields carried by the given version, so
// round-trip comparisons can use full struct equality.
func sampleRecord(version uint32) *TrainingRecord {
	record := &TrainingRecord{
		Version:        version,
		CastlingUsOOO:  1,
		CastlingUsOO:   1,
		CastlingThemOO: 1,
		SideToMove:     1,
		Rule50:         17,
	}
	for i := range record.Policy {
		record.Policy[i] = float32(i) / PolicyVectorSize
	}
	for i := range record.Planes {
		record.Planes[i] = uint64(i) * 0x0101010101010101
	}
	if version >= VersionV5 {
		record.InvarianceInfo = 0x24
	} else {
		record.MoveCount = 42
	}
	if version >= VersionV6 {
		record.DepResult = -1
	} else {
		record.Result = -1
	}
	if version >= VersionV4 {
		record.RootQ = 0.25
		record.BestQ = 0.5
		record.RootD = 0.125
		record.BestD = 0.0625
	}
	if version >= VersionV5 {
		record.InputFormat = 1
		record.RootM = 80
		record.BestM = 78
		record.PliesLeft = 61
	}
	if version >= VersionV6 {
		record.ResultQ = -1
		record.ResultD = 0
		record.PlayedQ = 0.4
		record.PlayedD = 0.2
		record.PlayedM = 77
		record.OrigQ = 0.3
		record.OrigD = 0.25
		record.OrigM = 82
		record.Visits = 800
		record.PlayedIdx = 361
		record.BestIdx = 362
		record.PolicyKLD = 0.01
	}
	return record
}
