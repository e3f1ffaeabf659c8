// Package gpu discovers accelerators through the management driver and
// resolves the stable identifiers used to label their metrics.
package gpu

import (
	"fmt"
	"io"
	"log/slog"
)

// UnknownUUID labels a device whose UUID could not be resolved.
const UnknownUUID = "unknown"

// Device is a single accelerator that survived discovery. Immutable once
// returned; the handle stays valid for the process lifetime.
type Device struct {
	Index  int          `json:"index"`
	UUID   string       `json:"uuid"`
	Name   string       `json:"name"`
	Handle DeviceHandle `json:"-"`
}

// Discover initializes the driver and enumerates devices in index order.
// Devices whose handle cannot be resolved are logged and omitted; the
// survivor list keeps enumeration order with no gaps. Zero survivors is a
// successful, empty result. An error is returned only when the driver itself
// cannot initialize or report a device count.
func Discover(drv Driver, logger *slog.Logger) ([]Device, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := drv.Init(); err != nil {
		return nil, fmt.Errorf("initialize driver: %w", err)
	}

	count, err := drv.DeviceCount()
	if err != nil {
		if shutdownErr := drv.Shutdown(); shutdownErr != nil {
			logger.Debug("driver shutdown after failed enumeration", "err", shutdownErr)
		}
		return nil, fmt.Errorf("query device count: %w", err)
	}

	devices := make([]Device, 0, count)
	for index := 0; index < count; index++ {
		handle, err := drv.DeviceByIndex(index)
		if err != nil {
			logger.Warn("failed to resolve device, metrics will not be available for it",
				"gpu_index", index, "err", err)
			continue
		}

		name := resolveName(handle)
		uuid, err := handle.UUID()
		if err != nil || uuid == "" {
			uuid = UnknownUUID
		}

		if name != "" {
			logger.Info("collecting metrics for GPU", "gpu_index", index, "name", name, "uuid", uuid)
		} else {
			logger.Info("collecting metrics for GPU", "gpu_index", index, "uuid", uuid)
		}

		devices = append(devices, Device{
			Index:  index,
			UUID:   uuid,
			Name:   name,
			Handle: handle,
		})
	}

	return devices, nil
}

// resolveName fetches the device's marketing name from the driver, falling
// back to the PCI ID database. Absence of a name is not an error.
func resolveName(handle DeviceHandle) string {
	name, err := handle.Name()
	if err == nil && name != "" {
		return name
	}

	vendorID, deviceID, err := handle.PCIID()
	if err != nil {
		return ""
	}
	return lookupDeviceName(vendorID, deviceID)
}
