// Package gputest provides in-memory Driver and DeviceHandle fakes for
// exercising discovery and sampling without hardware.
package gputest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openinfer/telemetryd/internal/gpu"
)

// FakeDriver implements gpu.Driver over a fixed slice of handles. A nil
// entry simulates a device whose handle resolution fails.
type FakeDriver struct {
	InitErr  error
	CountErr error
	Devices  []*FakeHandle

	InitCalls     atomic.Int32
	CountCalls    atomic.Int32
	ShutdownCalls atomic.Int32
}

func (d *FakeDriver) Init() error {
	d.InitCalls.Add(1)
	return d.InitErr
}

func (d *FakeDriver) Shutdown() error {
	d.ShutdownCalls.Add(1)
	return nil
}

func (d *FakeDriver) DeviceCount() (int, error) {
	d.CountCalls.Add(1)
	if d.CountErr != nil {
		return 0, d.CountErr
	}
	return len(d.Devices), nil
}

func (d *FakeDriver) DeviceByIndex(index int) (gpu.DeviceHandle, error) {
	if index < 0 || index >= len(d.Devices) {
		return nil, fmt.Errorf("device index %d out of range", index)
	}
	if d.Devices[index] == nil {
		return nil, errors.New("handle resolution refused")
	}
	return d.Devices[index], nil
}

// FakeHandle implements gpu.DeviceHandle with scriptable values, per-query
// errors and call counting. Set the exported fields before use; mutate
// mid-test only through the setter methods.
type FakeHandle struct {
	DeviceName string
	NameErr    error
	DeviceUUID string
	UUIDErr    error
	VendorID   string
	DeviceID   string
	PCIErr     error

	PowerLimitMilliwatts uint32
	PowerLimitErr        error
	PowerUsageMilliwatts uint32
	PowerUsageErr        error
	EnergyMillijoules    uint64
	EnergyErr            error
	UtilizationPct       uint32
	UtilizationErr       error
	Memory               gpu.MemoryInfo
	MemoryErr            error

	mu    sync.Mutex
	calls map[string]int
}

func (h *FakeHandle) record(query string) {
	if h.calls == nil {
		h.calls = make(map[string]int)
	}
	h.calls[query]++
}

// CallCount reports how many times the named query ("power_limit",
// "power_usage", "energy", "utilization", "memory") has been issued.
func (h *FakeHandle) CallCount(query string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[query]
}

// SetEnergy replaces the cumulative energy reading.
func (h *FakeHandle) SetEnergy(millijoules uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.EnergyMillijoules = millijoules
}

// SetPowerUsage replaces the instantaneous power reading.
func (h *FakeHandle) SetPowerUsage(milliwatts uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PowerUsageMilliwatts = milliwatts
}

// FailPowerLimit makes subsequent power-limit queries return err (nil to
// restore success).
func (h *FakeHandle) FailPowerLimit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PowerLimitErr = err
}

func (h *FakeHandle) Name() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("name")
	return h.DeviceName, h.NameErr
}

func (h *FakeHandle) UUID() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("uuid")
	return h.DeviceUUID, h.UUIDErr
}

func (h *FakeHandle) PCIID() (string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("pci")
	return h.VendorID, h.DeviceID, h.PCIErr
}

func (h *FakeHandle) PowerManagementLimit() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("power_limit")
	if h.PowerLimitErr != nil {
		return 0, h.PowerLimitErr
	}
	return h.PowerLimitMilliwatts, nil
}

func (h *FakeHandle) PowerUsage() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("power_usage")
	if h.PowerUsageErr != nil {
		return 0, h.PowerUsageErr
	}
	return h.PowerUsageMilliwatts, nil
}

func (h *FakeHandle) TotalEnergyConsumption() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("energy")
	if h.EnergyErr != nil {
		return 0, h.EnergyErr
	}
	return h.EnergyMillijoules, nil
}

func (h *FakeHandle) UtilizationRate() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("utilization")
	if h.UtilizationErr != nil {
		return 0, h.UtilizationErr
	}
	return h.UtilizationPct, nil
}

func (h *FakeHandle) MemoryInfo() (gpu.MemoryInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("memory")
	if h.MemoryErr != nil {
		return gpu.MemoryInfo{}, h.MemoryErr
	}
	return h.Memory, nil
}
