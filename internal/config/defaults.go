package config

import "time"

// Platform script locations.
const (
	hwsupportDir = "/usr/lib/hwsupport"
	helpersDir   = "/usr/lib/hostmgr/helpers"
)

// DefaultDelegates returns the platform delegate table. Programs that are
// not installed on a host are skipped by the helper at startup, which in
// turn makes the features that need them unavailable.
func DefaultDelegates() map[string]DelegateConfig {
	return map[string]DelegateConfig{
		"PrepareFactoryReset": {
			Program: "/usr/bin/steamos-factory-reset-config",
			Output:  "value",
			Value:   1,
			Failure: 0,
		},
		"UpdateBios": {
			Program: "/usr/bin/jupiter-biosupdate",
			Args:    []string{"--auto"},
			Timeout: 10 * time.Minute,
		},
		"UpdateDock": {
			Program: "/usr/lib/jupiter-dock-updater/jupiter-dock-updater.sh",
			Timeout: 10 * time.Minute,
		},
		"TrimDevices": {
			Program: hwsupportDir + "/trim-devices.sh",
			Timeout: 10 * time.Minute,
		},
		"FormatDevice": {
			Program: hwsupportDir + "/format-device.sh",
			Args:    []string{"--label", "{label}", "--device", "{device}", "{!validate?--skip-validation}"},
			Timeout: 30 * time.Minute,
		},
		"SetWifiDebugMode": {
			Program: helpersDir + "/wifi-debug-mode",
			Args:    []string{"--mode", "{mode}", "--buffer-size", "{buffer_size}"},
			Timeout: time.Minute,
		},
		"Get(FanControlState)": {
			Unit:   "jupiter-fan-control.service",
			Action: "status",
			Output: "map",
			Map:    map[string]any{"active": 1, "inactive": 0, "failed": 0},
		},
		"Set(FanControlState)": {
			Unit:   "jupiter-fan-control.service",
			Action: "toggle",
		},
		"Get(GpuPerformanceLevel)": {
			Program: helpersDir + "/gpu-performance-level",
			Args:    []string{"get"},
			Output:  "stdout",
			Timeout: 5 * time.Second,
		},
		"Set(GpuPerformanceLevel)": {
			Program: helpersDir + "/gpu-performance-level",
			Args:    []string{"set", "{value}"},
			Timeout: 5 * time.Second,
		},
		"Get(TdpLimit)": {
			Program: helpersDir + "/tdp-limit",
			Args:    []string{"get"},
			Output:  "stdout",
			Timeout: 5 * time.Second,
		},
		"Set(TdpLimit)": {
			Program: helpersDir + "/tdp-limit",
			Args:    []string{"set", "{value}"},
			Timeout: 5 * time.Second,
		},
		"Get(AlsCalibrationGain)": {
			Program: "/usr/bin/steamos-polkit-helpers/jupiter-get-als-gain",
			Output:  "stdout",
			Failure: -1.0,
			Timeout: 5 * time.Second,
		},
	}
}

// jupiterBoards are the handheld boards with the fan controller and ALS.
var jupiterBoards = []string{"Valve/Jupiter", "Valve/Galileo"}

// DefaultFeatures returns the default availability predicates.
func DefaultFeatures() map[string]FeatureConfig {
	return map[string]FeatureConfig{
		"fan-control": {
			Boards:     jupiterBoards,
			Unit:       "jupiter-fan-control.service",
			Privileged: true,
		},
		"bios-update": {
			Boards:     jupiterBoards,
			Privileged: true,
		},
		"dock-update": {Privileged: true},
		"storage":     {Privileged: true},
		"gpu-performance": {
			Path:       "/sys/class/drm/card0/device/power_dpm_force_performance_level",
			Privileged: true,
		},
		"tdp-limit": {Privileged: true},
		"als": {
			Boards:     jupiterBoards,
			Privileged: true,
		},
		"wifi-debug": {Privileged: true},
	}
}
