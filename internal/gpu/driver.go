package gpu

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// MemoryInfo is a point-in-time view of device memory, in bytes.
type MemoryInfo struct {
	TotalBytes uint64
	UsedBytes  uint64
}

// Driver abstracts the accelerator management library entry points used by
// discovery. The production implementation wraps NVML; tests substitute
// in-memory fakes.
type Driver interface {
	Init() error
	Shutdown() error
	DeviceCount() (int, error)
	DeviceByIndex(index int) (DeviceHandle, error)
}

// DeviceHandle exposes the per-device queries issued during discovery and on
// every sampling tick. All values are in the driver's raw units; unit
// conversion happens at publication time.
type DeviceHandle interface {
	Name() (string, error)
	UUID() (string, error)
	// PCIID returns the 4-digit lowercase hex vendor and device identifiers.
	PCIID() (vendorID, deviceID string, err error)

	// PowerManagementLimit returns the enforced power ceiling in milliwatts.
	PowerManagementLimit() (uint32, error)
	// PowerUsage returns the current power draw in milliwatts.
	PowerUsage() (uint32, error)
	// TotalEnergyConsumption returns the cumulative energy counter in
	// millijoules since the driver was loaded.
	TotalEnergyConsumption() (uint64, error)
	// UtilizationRate returns the compute engine utilization percentage.
	UtilizationRate() (uint32, error)
	MemoryInfo() (MemoryInfo, error)
}

type nvmlDriver struct{}

// NVMLDriver returns the Driver backed by the NVML shared library.
func NVMLDriver() Driver {
	return nvmlDriver{}
}

func (nvmlDriver) Init() error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nvmlError("init", ret)
	}
	return nil
}

func (nvmlDriver) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return nvmlError("shutdown", ret)
	}
	return nil
}

func (nvmlDriver) DeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, nvmlError("device count", ret)
	}
	return count, nil
}

func (nvmlDriver) DeviceByIndex(index int) (DeviceHandle, error) {
	device, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, nvmlError("device handle", ret)
	}
	return nvmlHandle{device: device}, nil
}

type nvmlHandle struct {
	device nvml.Device
}

func (h nvmlHandle) Name() (string, error) {
	name, ret := h.device.GetName()
	if ret != nvml.SUCCESS {
		return "", nvmlError("device name", ret)
	}
	return name, nil
}

func (h nvmlHandle) UUID() (string, error) {
	uuid, ret := h.device.GetUUID()
	if ret != nvml.SUCCESS {
		return "", nvmlError("device uuid", ret)
	}
	return uuid, nil
}

func (h nvmlHandle) PCIID() (string, string, error) {
	info, ret := h.device.GetPciInfo()
	if ret != nvml.SUCCESS {
		return "", "", nvmlError("pci info", ret)
	}
	// PciDeviceId packs the 16-bit device id in the upper half and the
	// 16-bit vendor id in the lower half.
	vendorID := fmt.Sprintf("%04x", info.PciDeviceId&0xffff)
	deviceID := fmt.Sprintf("%04x", info.PciDeviceId>>16)
	return vendorID, deviceID, nil
}

func (h nvmlHandle) PowerManagementLimit() (uint32, error) {
	limit, ret := h.device.GetPowerManagementLimit()
	if ret != nvml.SUCCESS {
		return 0, nvmlError("power limit", ret)
	}
	return limit, nil
}

func (h nvmlHandle) PowerUsage() (uint32, error) {
	usage, ret := h.device.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return 0, nvmlError("power usage", ret)
	}
	return usage, nil
}

func (h nvmlHandle) TotalEnergyConsumption() (uint64, error) {
	energy, ret := h.device.GetTotalEnergyConsumption()
	if ret != nvml.SUCCESS {
		return 0, nvmlError("energy consumption", ret)
	}
	return energy, nil
}

func (h nvmlHandle) UtilizationRate() (uint32, error) {
	util, ret := h.device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return 0, nvmlError("utilization rates", ret)
	}
	return util.Gpu, nil
}

func (h nvmlHandle) MemoryInfo() (MemoryInfo, error) {
	mem, ret := h.device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return MemoryInfo{}, nvmlError("memory info", ret)
	}
	return MemoryInfo{TotalBytes: mem.Total, UsedBytes: mem.Used}, nil
}

func nvmlError(op string, ret nvml.Return) error {
	return fmt.Errorf("nvml %s: %s", op, nvml.ErrorString(ret))
}
