package main

import (
	"syscall"
	"time"
)

func sampleCPU() cpuUsage {
	h, err := syscall.GetCurrentProcess()
	if err != nil {
		return cpuUsage{}
	}
	var creation, exit, kernel, user syscall.Filetime
	if err := syscall.GetProcessTimes(h, &creation, &exit, &kernel, &user); err != nil {
		return cpuUsage{}
	}
	return cpuUsage{user: durationOf(user), system: durationOf(kernel)}
}

// durationOf converts a FILETIME count of 100ns ticks.
func durationOf(ft syscall.Filetime) time.Duration {
	return time.Duration(int64(ft.HighDateTime)<<32|int64(ft.LowDateTime)) * 100
}
