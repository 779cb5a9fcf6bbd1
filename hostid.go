package computepool

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/ComputePool/internal/config"
)

var (
	hostIDOnce sync.Once
	hostID     string
)

// HostID identifies this server on journal rows and the /health report:
// POOL_HOST_ID when set, else the machine id, else the hostname.
func HostID() string {
	hostIDOnce.Do(func() {
		if id := config.String(EnvHostID, ""); id != "" {
			hostID = id
			return
		}
		if id, err := readHostUUID(); err == nil && id != "" {
			hostID = id
			return
		}
		if name, err := os.Hostname(); err == nil {
			hostID = name
		}
	})
	return hostID
}

// On macOS it asks system_profiler; on Linux it prefers /etc/machine-id then
// /sys/class/dmi/id/product_uuid.
func readHostUUID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		if id, err := readSystemFile("/etc/machine-id"); err == nil && id != "" {
			return id, nil
		}
		if id, err := readSystemFile("/sys/class/dmi/id/product_uuid"); err == nil && id != "" {
			return id, nil
		}
		return "", nil
	default:
		return "", nil
	}
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
