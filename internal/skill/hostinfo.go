package skill

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const hostProbeTimeout = 2 * time.Second

// hostInfo describes the machine the assistant runs on for the system
// status answer. Probes that fail are left out.
func hostInfo(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, hostProbeTimeout)
	defer cancel()

	hostname, _ := os.Hostname()
	info := map[string]any{
		"hostname":   hostname,
		"os":         runtime.GOOS + "/" + runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
		"go":         runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	}
	if v := osVersion(ctx); v != "" {
		info["os_version"] = v
	}
	if v := cpuModel(ctx); v != "" {
		info["cpu_model"] = v
	}
	return info
}

func runProbe(ctx context.Context, name string, args ...string) string {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ""
	}
	return strings.TrimSpace(out.String())
}

func osVersion(ctx context.Context) string {
	switch runtime.GOOS {
	case "darwin":
		name := runProbe(ctx, "sw_vers", "-productName")
		ver := runProbe(ctx, "sw_vers", "-productVersion")
		return strings.TrimSpace(name + " " + ver)
	case "linux":
		if data, err := os.ReadFile("/etc/os-release"); err == nil {
			if v := fieldValue(string(data), "PRETTY_NAME", "="); v != "" {
				return strings.Trim(v, `"`)
			}
		}
		return runProbe(ctx, "uname", "-r")
	}
	return ""
}

func cpuModel(ctx context.Context) string {
	switch runtime.GOOS {
	case "darwin":
		return runProbe(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			return fieldValue(string(data), "model name", ":")
		}
	}
	return ""
}

// fieldValue returns the value of the first "key<sep>value" line in text.
func fieldValue(text, key, sep string) string {
	for _, line := range strings.Split(text, "\n") {
		k, v, ok := strings.Cut(line, sep)
		if ok && strings.TrimSpace(k) == key {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
