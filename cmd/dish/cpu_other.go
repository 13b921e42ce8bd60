//go:build !windows

package main

import (
	"syscall"
	"time"
)

func sampleCPU() cpuUsage {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return cpuUsage{}
	}
	return cpuUsage{user: durationOf(ru.Utime), system: durationOf(ru.Stime)}
}

func durationOf(tv syscall.Timeval) time.Duration {
	return time.Duration(tv.Nano())
}
