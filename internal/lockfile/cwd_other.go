//go:build !linux

package lockfile

import "errors"

var errNoCwdVisibility = errors.New("process working directory not inspectable on this platform")

func processCwd(pid int) (string, error) {
	return "", errNoCwdVisibility
}
