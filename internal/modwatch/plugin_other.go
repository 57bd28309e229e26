//go:build !linux || !cgo

package modwatch

func OpenPlugin(path string) (Plugin, error) {
	return nil, ErrUnsupported
}
