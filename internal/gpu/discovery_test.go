package gpu_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/openinfer/telemetryd/internal/gpu"
	"github.com/openinfer/telemetryd/internal/gpu/gputest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDiscoverKeepsEnumerationOrder(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{
			{DeviceName: "Device A", DeviceUUID: "GPU-aaaa"},
			{DeviceName: "Device B", DeviceUUID: "GPU-bbbb"},
			{DeviceName: "Device C", DeviceUUID: "GPU-cccc"},
		},
	}

	devices, err := gpu.Discover(drv, discardLogger())
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}

	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}
	for i, want := range []string{"GPU-aaaa", "GPU-bbbb", "GPU-cccc"} {
		if devices[i].Index != i {
			t.Errorf("device %d has index %d", i, devices[i].Index)
		}
		if devices[i].UUID != want {
			t.Errorf("device %d has uuid %q, want %q", i, devices[i].UUID, want)
		}
	}
	if drv.InitCalls.Load() != 1 {
		t.Errorf("expected exactly one driver init, got %d", drv.InitCalls.Load())
	}
}

func TestDiscoverSkipsUnresolvableDevices(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{
			{DeviceUUID: "GPU-aaaa"},
			nil, // resolution failure
			{DeviceUUID: "GPU-cccc"},
		},
	}

	devices, err := gpu.Discover(drv, discardLogger())
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}

	if len(devices) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(devices))
	}
	// Survivors keep their original indices but the list has no gaps.
	if devices[0].Index != 0 || devices[1].Index != 2 {
		t.Fatalf("unexpected survivor indices: %d, %d", devices[0].Index, devices[1].Index)
	}
}

func TestDiscoverUUIDFallback(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{
			{DeviceName: "Device A", UUIDErr: errors.New("uuid unsupported")},
		},
	}

	devices, err := gpu.Discover(drv, discardLogger())
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].UUID != gpu.UnknownUUID {
		t.Fatalf("expected fallback uuid %q, got %q", gpu.UnknownUUID, devices[0].UUID)
	}
}

func TestDiscoverNameFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{
			{
				NameErr:    errors.New("name unsupported"),
				PCIErr:     errors.New("pci info unsupported"),
				DeviceUUID: "GPU-aaaa",
			},
		},
	}

	devices, err := gpu.Discover(drv, discardLogger())
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].Name != "" {
		t.Fatalf("expected empty name, got %q", devices[0].Name)
	}
}

func TestDiscoverInitFailure(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{InitErr: errors.New("driver not present")}
	if _, err := gpu.Discover(drv, discardLogger()); err == nil {
		t.Fatal("expected error when driver init fails")
	}
}

func TestDiscoverCountFailureShutsDriverDown(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{CountErr: errors.New("unreadable topology")}
	if _, err := gpu.Discover(drv, discardLogger()); err == nil {
		t.Fatal("expected error when device count fails")
	}
	if drv.ShutdownCalls.Load() != 1 {
		t.Fatalf("expected driver shutdown after count failure, got %d calls", drv.ShutdownCalls.Load())
	}
}

func TestDiscoverZeroDevices(t *testing.T) {
	t.Parallel()

	devices, err := gpu.Discover(&gputest.FakeDriver{}, discardLogger())
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected empty survivor list, got %d", len(devices))
	}
}
