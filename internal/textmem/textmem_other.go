//go:build !linux

package textmem

// Host can not change protection on this platform.
type Host struct{}

// NewHost returns a Protector that always fails.
func NewHost() *Host {
	return &Host{}
}

func (*Host) Unprotect(uintptr, uintptr) (Restore, error) {
	return nil, ErrUnsupported
}
