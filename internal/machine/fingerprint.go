// Package machine derives a stable fingerprint of the current host,
// recorded in volume headers so a volume can be bound to the machine
// that created it. The authorization decision itself belongs to the
// caller; the engine only records and compares the opaque value.
package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/shirou/gopsutil/host"
)

// Fingerprint returns a hex digest over the host's stable identifiers:
// machine ID, hostname, platform, and the hardware addresses of its
// non-loopback interfaces.
func Fingerprint() (string, error) {
	info, err := host.Info()
	if err != nil {
		return "", fmt.Errorf("machine: host info: %w", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "machine_id=%s\n", info.HostID)
	fmt.Fprintf(h, "hostname=%s\n", info.Hostname)
	fmt.Fprintf(h, "platform=%s/%s/%s\n", info.OS, info.Platform, info.KernelArch)
	fmt.Fprintf(h, "mac=%s\n", primaryMAC())
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Matches reports whether the current host reproduces a stored
// fingerprint.
func Matches(stored string) bool {
	if stored == "" {
		return false
	}
	current, err := Fingerprint()
	if err != nil {
		return false
	}
	return current == stored
}

// primaryMAC returns the first non-loopback hardware address, or empty
// when none is available. Interface order is stable enough for a
// fingerprint that also mixes in the machine ID.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(iface.HardwareAddr.String())
	}
	return ""
}
