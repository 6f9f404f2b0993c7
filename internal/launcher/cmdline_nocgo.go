//go:build linux && !cgo

package launcher

import "errors"

func setCmdline(string) error {
	return errors.New("rewriting the command line requires cgo")
}
