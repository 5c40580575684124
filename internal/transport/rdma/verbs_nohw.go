//go:build !rdma_hw

package rdma

import "errors"

func newHardwareBackend() (VerbsBackend, error) {
	return nil, errors.New("built without libibverbs support; rebuild with -tags rdma_hw")
}
