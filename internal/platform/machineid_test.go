package platform

import (
	"encoding/hex"
	"errors"
	"testing"
)

func TestFingerprint(t *testing.T) {
	id, err := fingerprint("uuid", "aa:bb:cc:dd:ee:ff", "gpu-node-1")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if len(id) != machineIDLength {
		t.Errorf("len(id) = %d, want %d", len(id), machineIDLength)
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Errorf("id %q is not hex: %v", id, err)
	}

	again, _ := fingerprint("uuid", "aa:bb:cc:dd:ee:ff", "gpu-node-1")
	if again != id {
		t.Errorf("fingerprint not stable: %s vs %s", id, again)
	}
	other, _ := fingerprint("uuid", "aa:bb:cc:dd:ee:ff", "gpu-node-2")
	if other == id {
		t.Error("different hostnames produced the same id")
	}
}

func TestFingerprintNeedsIdentifiers(t *testing.T) {
	if _, err := fingerprint("", "", ""); !errors.Is(err, errNoIdentifiers) {
		t.Errorf("fingerprint() error = %v, want %v", err, errNoIdentifiers)
	}
}

func TestParseIORegUUID(t *testing.T) {
	out := `+-o J314sAP  <class IOPlatformExpertDevice>
    {
      "IOPlatformSerialNumber" = "C02XXXXXX"
      "IOPlatformUUID" = "12345678-ABCD-EF01-2345-6789ABCDEF01"
    }`
	got, err := parseIORegUUID(out)
	if err != nil {
		t.Fatalf("parseIORegUUID: %v", err)
	}
	if want := "12345678-ABCD-EF01-2345-6789ABCDEF01"; got != want {
		t.Errorf("parseIORegUUID = %q, want %q", got, want)
	}

	if _, err := parseIORegUUID("nothing here"); err == nil {
		t.Error("expected error for output without IOPlatformUUID")
	}
}

func TestIsVirtualInterface(t *testing.T) {
	tests := map[string]bool{
		"eth0":       false,
		"enp5s0":     false,
		"docker0":    true,
		"veth12ab":   true,
		"br-1234":    true,
		"virbr0":     true,
		"flannel.1":  true,
		"wlp2s0":     false,
		"cni0":       true,
		"tailscale0": false,
	}
	for name, want := range tests {
		if got := isVirtualInterface(name); got != want {
			t.Errorf("isVirtualInterface(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestMachineIdentityIsStable(t *testing.T) {
	a, err := MachineIdentity()
	if err != nil {
		t.Skipf("no machine identifiers available: %v", err)
	}
	b, err := MachineIdentity()
	if err != nil {
		t.Fatalf("second MachineIdentity: %v", err)
	}
	if a != b {
		t.Errorf("MachineIdentity not stable: %+v vs %+v", a, b)
	}
}
