package ports

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Loopback hosts tried for every port. Node 17+ may bind ::1 only.
var probeHosts = []string{"127.0.0.1", "::1"}

// Probe dials every port concurrently and returns the first port, in list
// order, that accepted a connection. Each dial is bounded by perPortTimeout
// and the whole probe by ctx.
func Probe(ctx context.Context, ports []int, perPortTimeout time.Duration) (int, bool) {
	open := scan(ctx, ports, perPortTimeout)
	for i, port := range ports {
		if open[i] {
			return port, true
		}
	}
	return 0, false
}

// OpenPorts returns the subset of ports currently accepting connections.
// Taken before spawn, it is the baseline of ports owned by something else.
func OpenPorts(ctx context.Context, ports []int, perPortTimeout time.Duration) map[int]bool {
	open := scan(ctx, ports, perPortTimeout)
	result := make(map[int]bool)
	for i, port := range ports {
		if open[i] {
			result[port] = true
		}
	}
	return result
}

func scan(ctx context.Context, ports []int, perPortTimeout time.Duration) []bool {
	open := make([]bool, len(ports))
	var wg sync.WaitGroup
	for i, port := range ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			open[i] = dial(ctx, port, perPortTimeout)
		}(i, port)
	}
	wg.Wait()
	return open
}

func dial(ctx context.Context, port int, timeout time.Duration) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	for _, host := range probeHosts {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		var d net.Dialer
		conn, err := d.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		cancel()
		if err == nil {
			conn.Close()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// Order merges preferred ports in front of the candidate list, dropping
// duplicates and anything in exclude.
func Order(preferred, candidates []int, exclude map[int]bool) []int {
	seen := make(map[int]bool)
	var out []int
	for _, list := range [][]int{preferred, candidates} {
		for _, p := range list {
			if p <= 0 || p > 65535 || seen[p] || exclude[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// IsPortAvailable checks if a port is available for binding
func IsPortAvailable(port int) bool {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// GetProcessOnPort returns the PID of a process listening on the given port.
// Returns 0 if no process is found or if the lookup fails.
func GetProcessOnPort(port int) int {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin", "linux":
		cmd = exec.Command("lsof", "-i", fmt.Sprintf(":%d", port), "-t", "-sTCP:LISTEN")
	case "windows":
		cmd = exec.Command("cmd", "/C", fmt.Sprintf("netstat -ano | findstr :%d | findstr LISTENING", port))
	default:
		return 0
	}

	output, err := cmd.Output()
	if err != nil {
		return 0
	}

	pidStr := strings.TrimSpace(string(output))
	if pidStr == "" {
		return 0
	}

	// For Windows, the PID is the last column
	if runtime.GOOS == "windows" {
		fields := strings.Fields(pidStr)
		if len(fields) > 0 {
			pidStr = fields[len(fields)-1]
		}
	} else {
		// lsof -t may print several pids, one per line
		lines := strings.Split(pidStr, "\n")
		if len(lines) > 0 {
			pidStr = strings.TrimSpace(lines[0])
		}
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0
	}
	return pid
}
