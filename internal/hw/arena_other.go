//go:build !unix

package hw

func mapBacking(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
