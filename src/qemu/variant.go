// Package qemu provisions static cross-architecture emulator binaries and
// injects them into build contexts so foreign-architecture images build on a
// native-architecture daemon.
package qemu

import (
	"fmt"
	"runtime"
	"strings"
)

// DistVersion is the emulator distribution release the provisioner installs.
const DistVersion = "7.0.0"

// minVersionConstraint is the oldest cached emulator build still accepted.
// Older cached binaries are reinstalled.
const minVersionConstraint = ">= 7.0.0"

// VariantFor maps a device CPU identifier to an emulator variant. The mapping
// is closed: unknown architectures are an error, never a silent fallback.
func VariantFor(arch string) (string, error) {
	switch arch {
	case "armv7hf", "rpi", "armhf":
		return "arm", nil
	case "aarch64":
		return "aarch64", nil
	default:
		return "", fmt.Errorf("qemu: unsupported architecture %q", arch)
	}
}

// BinaryName returns the versioned cache filename for an emulator variant.
func BinaryName(variant string) string {
	return fmt.Sprintf("qemu-%s-static-%s", variant, DistVersion)
}

// Required reports whether builds for the target architecture need an
// injected emulator on this daemon. Desktop-integrated daemons ship binfmt
// handlers for foreign architectures and are skipped, as are targets that are
// native to the host.
func Required(daemonName, targetArch string) (bool, error) {
	if strings.Contains(daemonName, "Desktop") {
		return false, nil
	}
	variant, err := VariantFor(targetArch)
	if err != nil {
		return false, err
	}
	switch {
	case variant == "arm" && runtime.GOARCH == "arm":
		return false, nil
	case variant == "aarch64" && runtime.GOARCH == "arm64":
		return false, nil
	}
	return true, nil
}
