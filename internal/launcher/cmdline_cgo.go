//go:build linux && cgo

package launcher

import "github.com/erikdubbelboer/gspt"

func setCmdline(title string) error {
	gspt.SetProcTitle(title)
	return nil
}
