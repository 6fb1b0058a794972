package platform

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// machineIDLength is the number of hex characters kept from the fingerprint.
const machineIDLength = 16

var errNoIdentifiers = errors.New("unable to gather any machine identifiers")

// Identity names the machine in telemetry entries.
type Identity struct {
	ID   string // stable fingerprint
	Name string // display name, the hostname
}

// MachineIdentity fingerprints the host from its OS machine UUID, primary MAC
// address and hostname. The ID survives restarts and reinstalls of the
// reporter; it changes only when the hardware or OS identity does.
func MachineIdentity() (Identity, error) {
	hostname, _ := os.Hostname()
	machineUUID, _ := osMachineUUID()
	mac, _ := primaryMAC()

	id, err := fingerprint(machineUUID, mac, hostname)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: id, Name: hostname}, nil
}

func fingerprint(parts ...string) (string, error) {
	empty := true
	for _, p := range parts {
		if p != "" {
			empty = false
			break
		}
	}
	if empty {
		return "", errNoIdentifiers
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])[:machineIDLength], nil
}

// osMachineUUID reads the OS-assigned machine identifier.
func osMachineUUID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		// /etc/machine-id needs no privileges; the DMI UUID needs root.
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id, nil
				}
			}
		}
		return "", errors.New("no machine id in /etc/machine-id or DMI")
	case "darwin":
		out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return "", err
		}
		return parseIORegUUID(string(out))
	default:
		return "", errors.New("machine uuid unsupported on " + runtime.GOOS)
	}
}

// parseIORegUUID extracts IOPlatformUUID from `ioreg` output lines such as
//
//	"IOPlatformUUID" = "XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX"
func parseIORegUUID(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		_, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if id := strings.Trim(strings.TrimSpace(value), `"`); id != "" {
			return id, nil
		}
	}
	return "", errors.New("IOPlatformUUID not found in ioreg output")
}

// primaryMAC returns the hardware address of the first physical interface.
func primaryMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", errors.New("no suitable network interface found")
}

func isVirtualInterface(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range []string{"veth", "docker", "br-", "virbr", "cni", "flannel"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
