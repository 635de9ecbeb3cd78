package logpair

import (
	"github.com/roach88/rlog/internal/logerr"
	"github.com/roach88/rlog/internal/logheader"
)

// Select chooses the file to recover from given the headers of file 1 and
// file 2. It returns 0 or 1. A nil header stands for a missing file.
//
// The choice is total over its inputs:
//   - an incompatible header on either side fails with INCOMPATIBLE
//   - exactly one valid header wins if it is ACTIVE and fails otherwise
//   - with two valid headers an ACTIVE one beats one that is not
//   - two ACTIVE headers are ordered by timestamp, then first record
//     sequence; a full tie is only accepted when both logs are empty
//
// Anything else is CORRUPTED.
func Select(h1, h2 *logheader.Header) (int, error) {
	const op = "select log file"

	if (h1 != nil && !h1.Compatible()) || (h2 != nil && !h2.Compatible()) {
		return 0, logerr.Errorf(logerr.CodeIncompatible, op, "log file written in an unsupported format version")
	}

	v1 := h1 != nil && h1.Valid()
	v2 := h2 != nil && h2.Valid()

	switch {
	case !v1 && !v2:
		return 0, logerr.Errorf(logerr.CodeCorrupted, op, "neither log file has a valid header")
	case v1 && !v2:
		return onlyValid(0, h1)
	case v2 && !v1:
		return onlyValid(1, h2)
	}

	a1 := h1.Status == logheader.StatusActive
	a2 := h2.Status == logheader.StatusActive
	switch {
	case a1 && !a2:
		return 0, nil
	case a2 && !a1:
		return 1, nil
	case !a1 && !a2:
		return 0, logerr.Errorf(logerr.CodeCorrupted, op, "neither log file is active (%s, %s)", h1.Status, h2.Status)
	}

	switch {
	case h1.Timestamp > h2.Timestamp:
		return 0, nil
	case h2.Timestamp > h1.Timestamp:
		return 1, nil
	case h1.FirstRecordSequence > h2.FirstRecordSequence:
		return 0, nil
	case h2.FirstRecordSequence > h1.FirstRecordSequence:
		return 1, nil
	case h1.FirstRecordSequence == 0:
		return 0, nil
	}
	return 0, logerr.Errorf(logerr.CodeCorrupted, op,
		"both log files active with timestamp %d and first record sequence %d", h1.Timestamp, h1.FirstRecordSequence)
}

func onlyValid(i int, h *logheader.Header) (int, error) {
	if h.Status != logheader.StatusActive {
		return 0, logerr.Errorf(logerr.CodeCorrupted, "select log file", "only valid log file %d is %s", i+1, h.Status)
	}
	return i, nil
}
