package codec

import "fmt"

// FormatError indicates a buffer that cannot be a well-formed record of its
// declared version, typically because of a length mismatch. Decoding never
// degrades to a best-effort parse.
type FormatError struct {
	Version  uint32
	Expected int
	Actual   int
	Message  string
}

func (err *FormatError) Error() string {
	if err.Version != 0 {
		return fmt.Sprintf("invalid version %d record (expected %d bytes, got %d): %s",
			err.Version, err.Expected, err.Actual, err.Message)
	}
	return fmt.Sprintf("invalid record (expected %d bytes, got %d): %s",
		err.Expected, err.Actual, err.Message)
}

// UnsupportedVersionError indicates a version tag this codec does not know.
// Distinct from FormatError so callers can tell "newer software required"
// apart from "corrupt data".
type UnsupportedVersionError struct {
	Version uint32
}

func (err *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported training record version %d", err.Version)
}
