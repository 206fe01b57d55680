//go:build !linux

package procid

import "errors"

var errUnsupported = errors.New("process inspection is unsupported on this platform")

func readInfo(pid int) (Info, error) {
	if !Alive(pid) {
		return Info{}, ErrNotFound
	}
	return Info{PID: pid}, nil
}

func readEnviron(int) ([]string, error) {
	return nil, errUnsupported
}
