//go:build !linux

package disk

import "mergesync/internal/errdefs"

func (a *Adapter) Getxattr(relPath, name string) ([]byte, error) {
	return nil, errdefs.ErrNotSupported
}

func (a *Adapter) Setxattr(relPath, name string, value []byte, flags int) error {
	return errdefs.ErrNotSupported
}

func (a *Adapter) Listxattr(relPath string) ([]string, error) {
	return nil, errdefs.ErrNotSupported
}

func (a *Adapter) Removexattr(relPath, name string) error {
	return errdefs.ErrNotSupported
}
