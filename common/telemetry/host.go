package telemetry

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// HostInfo describes the machine a worker runs on; logged once at startup so
// tool timeouts and concurrency can be read against the hardware
type HostInfo struct {
	Hostname         string
	OS               string
	Arch             string
	CPUs             int
	TotalMemoryMB    uint64
	ContainerRuntime string // empty outside a container
	GoVersion        string
}

// DescribeHost gathers HostInfo without shelling out
func DescribeHost() HostInfo {
	info := HostInfo{
		OS:               runtime.GOOS,
		Arch:             runtime.GOARCH,
		CPUs:             runtime.NumCPU(),
		GoVersion:        runtime.Version(),
		ContainerRuntime: detectContainer(),
		TotalMemoryMB:    totalMemoryMB("/proc/meminfo"),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}

	return info
}

// LogValues flattens the info for a structured log line
func (h HostInfo) LogValues() []any {
	return []any{
		"hostname", h.Hostname,
		"os", h.OS,
		"arch", h.Arch,
		"cpus", h.CPUs,
		"memory_mb", h.TotalMemoryMB,
		"container", h.ContainerRuntime,
		"go_version", h.GoVersion,
	}
}

func detectContainer() string {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return "kubernetes"
	}

	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return ""
	}
	content := string(data)
	switch {
	case strings.Contains(content, "kubepods"):
		return "kubernetes"
	case strings.Contains(content, "docker"):
		return "docker"
	case strings.Contains(content, "containerd"):
		return "containerd"
	}
	return ""
}

// totalMemoryMB reads MemTotal from a meminfo file; zero when unavailable
func totalMemoryMB(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb / 1024
		}
	}
	return 0
}
