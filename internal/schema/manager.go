package schema

// Interface names of the two surfaces.
const (
	ManagerInterface = "io.hostmgr.Manager1"
	RootInterface    = "io.hostmgr.Manager1.Root"
)

// ManagerVersion is the public schema version. It only ever grows, and only
// when members are added:
//
//	1  PrepareFactoryReset, FanControlState, Version
//	2  UpdateBios, UpdateDock, HardwareVariant
//	3  TrimDevices, FormatDevice
//	4  GpuPerformanceLevel, TdpLimit, AlsCalibrationGain
//	5  SetWifiDebugMode, Features
const ManagerVersion uint32 = 5

// RootVersion versions the private surface. Both daemons ship together, so
// it carries no compatibility promise.
const RootVersion uint32 = 1

// Feature keys referenced by conditional members.
const (
	FeatureFanControl     = "fan-control"
	FeatureBiosUpdate     = "bios-update"
	FeatureDockUpdate     = "dock-update"
	FeatureStorage        = "storage"
	FeatureGpuPerformance = "gpu-performance"
	FeatureTdpLimit       = "tdp-limit"
	FeatureAls            = "als"
	FeatureWifiDebug      = "wifi-debug"
)

// PrepareFactoryReset result codes.
const (
	FactoryResetUnknown        uint32 = 0
	FactoryResetRebootRequired uint32 = 1
)

// Manager returns the public schema.
func Manager() *Schema {
	return MustNew(ManagerInterface, ManagerVersion, managerMethods(), managerProperties())
}

// Root returns the private schema, the privileged part of Manager.
func Root() *Schema {
	return Manager().Privileged(RootInterface, RootVersion)
}

func managerMethods() []Method {
	return []Method{
		{Name: "PrepareFactoryReset", Output: TypeUint32, Tier: Privileged},
		{Name: "UpdateBios", Tier: Privileged, Feature: FeatureBiosUpdate},
		{Name: "UpdateDock", Tier: Privileged, Feature: FeatureDockUpdate},
		{Name: "TrimDevices", Tier: Privileged, Feature: FeatureStorage},
		{
			Name: "FormatDevice",
			Inputs: []Arg{
				{Name: "device", Type: TypeString},
				{Name: "label", Type: TypeString},
				{Name: "validate", Type: TypeBool},
			},
			Tier:    Privileged,
			Feature: FeatureStorage,
		},
		{
			Name: "SetWifiDebugMode",
			Inputs: []Arg{
				{Name: "mode", Type: TypeUint32},
				{Name: "buffer_size", Type: TypeUint32},
			},
			Tier:    Privileged,
			Feature: FeatureWifiDebug,
		},
	}
}

func managerProperties() []Property {
	return []Property{
		{Name: "Version", Type: TypeUint32, Access: Read, GetTier: Unprivileged},
		{Name: "HardwareVariant", Type: TypeString, Access: Read, GetTier: Unprivileged},
		{Name: "Features", Type: TypeStringList, Access: Read, GetTier: Unprivileged},
		{
			Name: "FanControlState", Type: TypeUint32, Access: ReadWrite,
			GetTier: Privileged, SetTier: Privileged, Feature: FeatureFanControl,
		},
		{
			Name: "GpuPerformanceLevel", Type: TypeString, Access: ReadWrite,
			GetTier: Privileged, SetTier: Privileged, Feature: FeatureGpuPerformance,
		},
		{
			Name: "TdpLimit", Type: TypeUint32, Access: ReadWrite,
			GetTier: Privileged, SetTier: Privileged, Feature: FeatureTdpLimit,
		},
		{
			Name: "AlsCalibrationGain", Type: TypeFloat64, Access: Read,
			GetTier: Privileged, Feature: FeatureAls,
		},
	}
}
