// Package readiness decides when a launched guest is usable: its device
// bridge endpoint is listed as a device and, optionally, the guest reports
// boot completion.
package readiness

import (
	"context"
	"fmt"
	"strings"

	"github.com/xfeldman/cfctl/internal/toolexec"
)

// BootCompletedProp is both the property polled over adb and the marker
// searched for in guest logs.
const BootCompletedProp = "VIRTUAL_DEVICE_BOOT_COMPLETED"

// ADB invokes the device bridge through the Cuttlefish FHS wrapper.
type ADB struct {
	runner toolexec.Runner
	fhs    string
}

// NewADB returns an ADB client running "<fhs> -- adb ...".
func NewADB(runner toolexec.Runner, fhs string) *ADB {
	return &ADB{runner: runner, fhs: fhs}
}

func (a *ADB) run(ctx context.Context, args ...string) (toolexec.Result, error) {
	return toolexec.Check(ctx, a.runner, a.fhs, append([]string{"--", "adb"}, args...)...)
}

// Connect runs "adb connect serial". adb exits 0 even when the connection
// is refused, so its output is checked as well.
func (a *ADB) Connect(ctx context.Context, serial string) error {
	res, err := a.run(ctx, "connect", serial)
	if err != nil {
		return err
	}
	out := strings.ToLower(res.Stdout)
	if strings.Contains(out, "failed to connect") || strings.Contains(out, "cannot connect") {
		return fmt.Errorf("adb connect %s: %s", serial, strings.TrimSpace(res.Stdout))
	}
	return nil
}

// ActiveSerial runs "adb devices" and returns the first listed entry that
// matches one of serials with status "device".
func (a *ADB) ActiveSerial(ctx context.Context, serials ...string) (string, bool, error) {
	res, err := a.run(ctx, "devices")
	if err != nil {
		return "", false, err
	}
	serial, ok := parseDevices(res.Stdout, serials)
	return serial, ok, nil
}

func parseDevices(out string, serials []string) (string, bool) {
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if i == 0 && strings.HasPrefix(strings.TrimSpace(line), "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		for _, s := range serials {
			if fields[0] == s {
				return fields[0], true
			}
		}
	}
	return "", false
}

// GetProp runs "adb -s serial shell getprop prop" and returns the raw output.
func (a *ADB) GetProp(ctx context.Context, serial, prop string) (string, error) {
	res, err := a.run(ctx, "-s", serial, "shell", "getprop", prop)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
