//go:build !linux

package launcher

func setProcessTitle(string) error { return nil }
