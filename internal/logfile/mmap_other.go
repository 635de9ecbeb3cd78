//go:build !unix

package logfile

import "os"

func newMappedBacking(fd *os.File, size int) (backing, error) {
	return nil, errMappingUnsupported
}
