package config

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// kvmDevice is opened read-write by the Cuttlefish VMM.
var kvmDevice = "/dev/kvm"

// Platform describes what the host offers to Cuttlefish guests.
type Platform struct {
	OS   string
	Arch string

	// KVM is false when /dev/kvm is missing or not accessible. Guests can
	// still be launched but will fail early in their run log.
	KVM bool
}

// String renders "os/arch" with a "(no kvm)" suffix when KVM is unusable.
func (p *Platform) String() string {
	s := p.OS + "/" + p.Arch
	if !p.KVM {
		s += " (no kvm)"
	}
	return s
}

// DetectPlatform checks that the host can run Cuttlefish guests. Only linux
// is supported.
func DetectPlatform() (*Platform, error) {
	p := &Platform{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	if p.OS != "linux" {
		return nil, fmt.Errorf(
			"unsupported platform: %s/%s. cfctld requires Linux with KVM",
			p.OS, p.Arch,
		)
	}
	if _, err := os.Stat(kvmDevice); err == nil {
		p.KVM = unix.Access(kvmDevice, unix.R_OK|unix.W_OK) == nil
	}
	return p, nil
}
