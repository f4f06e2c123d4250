//go:build !linux && !darwin

package software

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
)

func kernelInfo(ctx context.Context) (any, error) {
	ver, err := host.KernelVersionWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("kernel version: %w", err)
	}
	arch, _ := host.KernelArch()
	return Kernel{Name: runtime.GOOS, Release: ver, Machine: arch}, nil
}
