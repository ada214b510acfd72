// probe.go collects the static host facts feature predicates are evaluated
// against: DMI board identity and OS platform details. Facts are gathered
// once at startup; none of them change while the daemon runs.
package feature

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// DefaultSysRoot is where sysfs is mounted.
const DefaultSysRoot = "/sys"

// Hardware variants reported by the HardwareVariant property.
const (
	VariantUnknown = "Unknown"
	VariantJupiter = "Jupiter"
	VariantGalileo = "Galileo"
)

const valveVendor = "Valve"

// HostFacts describes the host.
type HostFacts struct {
	// BoardVendor and BoardName come from the DMI tables.
	BoardVendor string `json:"boardVendor"`
	BoardName   string `json:"boardName"`

	// Platform is the distribution ID (steamos, arch, ubuntu).
	Platform string `json:"platform"`

	// PlatformVersion is the distribution version (3.6.19, 22.04).
	PlatformVersion string `json:"platformVersion"`

	// KernelVersion is the kernel release string.
	KernelVersion string `json:"kernelVersion"`
}

// Board returns the "vendor/name" board identity.
func (f *HostFacts) Board() string {
	return f.BoardVendor + "/" + f.BoardName
}

// Variant maps the board identity to a known hardware variant.
func (f *HostFacts) Variant() string {
	if f.BoardVendor != valveVendor {
		return VariantUnknown
	}
	switch f.BoardName {
	case VariantJupiter:
		return VariantJupiter
	case VariantGalileo:
		return VariantGalileo
	}
	return VariantUnknown
}

// hostInfo is swapped out by tests.
var hostInfo = host.InfoWithContext

// Probe gathers host facts. sysRoot is the sysfs mount point; tests point it
// at a fixture tree. Missing DMI attributes leave the board fields empty;
// only a cancelled context is an error.
func Probe(ctx context.Context, sysRoot string) (*HostFacts, error) {
	if sysRoot == "" {
		sysRoot = DefaultSysRoot
	}
	facts := &HostFacts{}

	var err error
	if facts.BoardVendor, err = readDMI(sysRoot, "board_vendor"); err != nil {
		return nil, err
	}
	if facts.BoardName, err = readDMI(sysRoot, "board_name"); err != nil {
		return nil, err
	}

	if info, err := hostInfo(ctx); err == nil {
		facts.Platform = info.Platform
		facts.PlatformVersion = info.PlatformVersion
		facts.KernelVersion = info.KernelVersion
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return facts, nil
}

func readDMI(sysRoot, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(sysRoot, "class", "dmi", "id", attr))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return "", nil
		}
		return "", fmt.Errorf("reading DMI %s: %w", attr, err)
	}
	return strings.TrimSpace(string(data)), nil
}
