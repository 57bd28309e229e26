//go:build !linux

package region

import (
	"errors"
	"os"
)

var errNoMapper = errors.New("executable memory mapping is not supported on this platform")

type nopMapper struct{}

// NewMapper returns a Mapper that refuses every mapping.
func NewMapper() Mapper {
	return nopMapper{}
}

func (nopMapper) PageSize() int                     { return os.Getpagesize() }
func (nopMapper) Map(uintptr, int) (uintptr, error) { return 0, errNoMapper }
func (nopMapper) Unmap(uintptr, int) error          { return errNoMapper }
func (nopMapper) Protect(uintptr, int, bool) error  { return errNoMapper }
