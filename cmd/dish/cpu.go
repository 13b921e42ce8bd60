package main

import "time"

// cpuUsage is the CPU time this process has consumed so far.
type cpuUsage struct {
	user   time.Duration
	system time.Duration
}

func (c cpuUsage) since(start cpuUsage) cpuUsage {
	return cpuUsage{user: c.user - start.user, system: c.system - start.system}
}

func (c cpuUsage) total() time.Duration {
	return c.user + c.system
}
