package worker

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/csmhq/csm/internal/events"
)

// CollectHostInfo gathers a best-effort host description for heartbeat
// and registration events. Uptime and RAM usage come from /proc and are
// zero on non-Linux hosts.
func CollectHostInfo() events.HostInfo {
	hostname, _ := os.Hostname()
	return events.HostInfo{
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		CPUCount:      runtime.NumCPU(),
		UptimeSeconds: readUptimeSeconds(),
		RAMUsage:      readRAMUsage(),
	}
}

func readUptimeSeconds() int64 {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return int64(seconds)
}

// readRAMUsage returns the used fraction of memory in [0,1], based on
// MemTotal and MemAvailable from /proc/meminfo.
func readRAMUsage() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = value
		case "MemAvailable:":
			available = value
		}
	}
	if total <= 0 || available > total {
		return 0
	}
	return (total - available) / total
}
