//go:build linux || darwin

package software

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func kernelInfo(ctx context.Context) (any, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		if raw, rerr := os.ReadFile("/proc/version"); rerr == nil {
			return Kernel{Name: "Linux", Release: parseProcVersion(string(raw))}, nil
		}
		return nil, fmt.Errorf("uname: %w", err)
	}
	return Kernel{
		Name:    unix.ByteSliceToString(u.Sysname[:]),
		Release: unix.ByteSliceToString(u.Release[:]),
		Version: unix.ByteSliceToString(u.Version[:]),
		Machine: unix.ByteSliceToString(u.Machine[:]),
	}, nil
}
