package process

import (
	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time resource sample for one pid and its children.
type Usage struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSS        uint64  `json:"rss"`
	Children   int     `json:"children"`
}

// Sample reads CPU and memory for pid, summing direct children so a
// package manager wrapper reports its bundler's usage.
func Sample(pid int) (Usage, error) {
	u := Usage{PID: pid}
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return u, err
	}
	add(&u, p)

	children, err := p.Children()
	if err != nil {
		// No children is reported as an error on some platforms.
		return u, nil
	}
	for _, c := range children {
		add(&u, c)
		u.Children++
	}
	return u, nil
}

func add(u *Usage, p *gopsprocess.Process) {
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent += cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.RSS += mem.RSS
	}
}
