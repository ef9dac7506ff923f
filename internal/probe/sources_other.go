//go:build !linux

package probe

import "fmt"

func systemMemoryMB() (uint64, error) {
	return 0, fmt.Errorf("memory probing is only supported on linux")
}

func systemDiskFreeGB(path string) (uint64, error) {
	return 0, fmt.Errorf("disk probing is only supported on linux")
}
