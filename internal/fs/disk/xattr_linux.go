//go:build linux

package disk

import (
	"bytes"
	"errors"

	"golang.org/x/sys/unix"
)

func (a *Adapter) Getxattr(relPath, name string) ([]byte, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	p := a.toSysPath(relPath)
	sz, err := unix.Lgetxattr(p, name, nil)
	if err != nil {
		return nil, a.wrap(err)
	}
	buf := make([]byte, sz)
	for {
		n, err := unix.Lgetxattr(p, name, buf)
		if errors.Is(err, unix.ERANGE) {
			// 两次调用之间值变大了
			buf = make([]byte, len(buf)*2+64)
			continue
		}
		if err != nil {
			return nil, a.wrap(err)
		}
		return buf[:n], nil
	}
}

func (a *Adapter) Setxattr(relPath, name string, value []byte, flags int) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.wrap(unix.Lsetxattr(a.toSysPath(relPath), name, value, flags))
}

func (a *Adapter) Listxattr(relPath string) ([]string, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	p := a.toSysPath(relPath)
	sz, err := unix.Llistxattr(p, nil)
	if err != nil {
		return nil, a.wrap(err)
	}
	if sz == 0 {
		return nil, nil
	}
	buf := make([]byte, sz)
	n, err := unix.Llistxattr(p, buf)
	if err != nil {
		return nil, a.wrap(err)
	}
	var names []string
	for _, name := range bytes.Split(buf[:n], []byte{0}) {
		if len(name) > 0 {
			names = append(names, string(name))
		}
	}
	return names, nil
}

func (a *Adapter) Removexattr(relPath, name string) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.wrap(unix.Lremovexattr(a.toSysPath(relPath), name))
}
