// Package logheader encodes and decodes the header at the front of each
// physical recovery log file.
//
// # Layout
//
// All integers are big-endian.
//
//	int32   total header length
//	[6]byte magic "WASLOG"
//	int32   format version
//	int32   status (offset 14, see StatusOffset)
//	int64   timestamp
//	int64   first record sequence
//	blob    server name
//	blob    service name
//	int32   service version
//	blob    log name
//	int32   variable section length
//	        int16 marker (1 = clean shutdown) + 1 flag byte
//	blob    service data
//	int64   timestamp (repeated)
//	int64   first record sequence (repeated)
//
// A blob is an int32 length followed by that many bytes.
//
// # Validity
//
// A header whose magic does not match is INVALID. A header whose magic matches
// but whose version is not accepted is incompatible: the caller must close the
// file without touching it. A compatible header is valid only when both copies
// of the timestamp and first record sequence agree and the timestamp is
// positive.
package logheader
