package metrics_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openinfer/telemetryd/internal/gpu/gputest"
	"github.com/openinfer/telemetryd/internal/metrics"
	"github.com/openinfer/telemetryd/internal/sampler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFacility(t *testing.T, drv *gputest.FakeDriver, opts metrics.Options) *metrics.Metrics {
	t.Helper()
	opts.Logger = discardLogger()
	opts.Driver = drv
	if opts.SampleInterval == 0 {
		opts.SampleInterval = time.Hour // tests drive nothing through ticks
	}
	facility := metrics.New(opts)
	t.Cleanup(facility.Shutdown)
	return facility
}

func TestEnableMetricsIdempotent(t *testing.T) {
	t.Parallel()

	facility := newFacility(t, &gputest.FakeDriver{}, metrics.Options{})
	if facility.Enabled() {
		t.Fatal("metrics enabled before EnableMetrics")
	}
	facility.EnableMetrics()
	facility.EnableMetrics()
	if !facility.Enabled() {
		t.Fatal("metrics not enabled after EnableMetrics")
	}
}

func TestEnableGPUMetricsExactlyOnce(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{{DeviceUUID: "GPU-aaaa"}},
	}
	facility := newFacility(t, drv, metrics.Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			facility.EnableGPUMetrics()
		}()
	}
	wg.Wait()

	if got := drv.InitCalls.Load(); got != 1 {
		t.Fatalf("driver initialized %d times, want 1", got)
	}
	if got := drv.CountCalls.Load(); got != 1 {
		t.Fatalf("devices enumerated %d times, want 1", got)
	}
	if !facility.GPUMetricsEnabled() {
		t.Fatal("GPU metrics not enabled")
	}

	waitFor(t, time.Second, func() bool {
		return facility.SamplerState() == sampler.StateRunning
	})
}

func TestCPUOnlySkipsDiscovery(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{{DeviceUUID: "GPU-aaaa"}},
	}
	facility := newFacility(t, drv, metrics.Options{CPUOnly: true})

	facility.EnableGPUMetrics()

	if got := drv.InitCalls.Load(); got != 0 {
		t.Fatalf("driver initialized %d times under CPU-only override, want 0", got)
	}
	if !facility.GPUMetricsEnabled() {
		t.Fatal("GPU metrics should still be marked enabled")
	}
	if len(facility.Devices()) != 0 {
		t.Fatalf("expected no devices, got %d", len(facility.Devices()))
	}
}

func TestZeroDevicesEnablesWithoutSampler(t *testing.T) {
	t.Parallel()

	facility := newFacility(t, &gputest.FakeDriver{}, metrics.Options{})
	facility.EnableGPUMetrics()

	if !facility.GPUMetricsEnabled() {
		t.Fatal("GPU metrics not enabled with zero devices")
	}
	if facility.Sampler() != nil {
		t.Fatal("sampler spawned despite zero devices")
	}
	if facility.SamplerState() != sampler.StateIdle {
		t.Fatalf("sampler state = %s, want idle", facility.SamplerState())
	}

	// With no devices there are no accelerator series to expose.
	text, err := facility.Exposition()
	if err != nil {
		t.Fatalf("Exposition returned error: %v", err)
	}
	if strings.Contains(text, "nv_gpu_utilization{") {
		t.Fatal("exposition contains accelerator series for zero devices")
	}
}

func TestDriverInitFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{InitErr: errors.New("library missing")}
	facility := newFacility(t, drv, metrics.Options{})

	facility.EnableGPUMetrics()

	if !facility.GPUMetricsEnabled() {
		t.Fatal("GPU metrics should be marked enabled after init failure")
	}
	if facility.Sampler() != nil {
		t.Fatal("sampler spawned despite driver init failure")
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{{DeviceUUID: "GPU-aaaa", UtilizationPct: 10}},
	}
	facility := newFacility(t, drv, metrics.Options{SampleInterval: 10 * time.Millisecond})
	facility.EnableGPUMetrics()

	waitFor(t, time.Second, func() bool {
		return facility.SamplerState() == sampler.StateRunning
	})

	start := time.Now()
	facility.Shutdown()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Shutdown took %s", elapsed)
	}

	if facility.SamplerState() != sampler.StateStopped {
		t.Fatalf("sampler state after shutdown = %s, want stopped", facility.SamplerState())
	}
	if got := drv.ShutdownCalls.Load(); got != 1 {
		t.Fatalf("driver shut down %d times, want 1", got)
	}

	// Repeated shutdown is a no-op.
	facility.Shutdown()
	if got := drv.ShutdownCalls.Load(); got != 1 {
		t.Fatalf("driver shut down %d times after repeat, want 1", got)
	}
}

func TestShutdownWithoutStartIsNoop(t *testing.T) {
	t.Parallel()

	facility := newFacility(t, &gputest.FakeDriver{}, metrics.Options{})
	facility.Shutdown() // never enabled, never started
}

func TestUUIDForDevice(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{
			{DeviceUUID: "GPU-aaaa"},
			nil, // skipped during discovery
			{DeviceUUID: "GPU-cccc"},
		},
	}
	facility := newFacility(t, drv, metrics.Options{})

	if _, ok := facility.UUIDForDevice(0); ok {
		t.Fatal("UUIDForDevice succeeded before GPU metrics were enabled")
	}

	facility.EnableGPUMetrics()

	if uuid, ok := facility.UUIDForDevice(0); !ok || uuid != "GPU-aaaa" {
		t.Fatalf("UUIDForDevice(0) = %q, %v", uuid, ok)
	}
	if uuid, ok := facility.UUIDForDevice(2); !ok || uuid != "GPU-cccc" {
		t.Fatalf("UUIDForDevice(2) = %q, %v", uuid, ok)
	}
	if _, ok := facility.UUIDForDevice(1); ok {
		t.Fatal("UUIDForDevice succeeded for a device that did not survive discovery")
	}
}

func TestExpositionContainsContractFamilies(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{{DeviceUUID: "GPU-aaaa"}},
	}
	facility := newFacility(t, drv, metrics.Options{})
	facility.EnableMetrics()
	facility.EnableGPUMetrics()

	stats := facility.ModelStats("resnet50", "1")
	stats.Success.Inc()
	stats.InferenceCount.Add(4)
	stats.QueueDuration.Add(1500)

	text, err := facility.Exposition()
	if err != nil {
		t.Fatalf("Exposition returned error: %v", err)
	}

	names := []string{
		"nv_inference_request_success",
		"nv_inference_request_failure",
		"nv_inference_count",
		"nv_inference_exec_count",
		"nv_inference_request_duration_us",
		"nv_inference_queue_duration_us",
		"nv_inference_compute_input_duration_us",
		"nv_inference_compute_infer_duration_us",
		"nv_inference_compute_output_duration_us",
		"nv_gpu_utilization",
		"nv_gpu_memory_total_bytes",
		"nv_gpu_memory_used_bytes",
		"nv_gpu_power_usage",
		"nv_gpu_power_limit",
		"nv_energy_consumption",
	}
	for _, name := range names {
		if !strings.Contains(text, "# TYPE "+name) {
			t.Errorf("exposition missing family %s", name)
		}
	}
	if !strings.Contains(text, `nv_inference_request_success{model="resnet50",version="1"} 1`) {
		t.Errorf("exposition missing labeled success counter:\n%s", text)
	}
	if !strings.Contains(text, `gpu_uuid="GPU-aaaa"`) {
		t.Errorf("exposition missing accelerator label:\n%s", text)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// syncBuffer lets the sampler goroutine and the test write log lines
// without racing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestComponentTaggedOncePerLine(t *testing.T) {
	t.Parallel()

	drv := &gputest.FakeDriver{
		Devices: []*gputest.FakeHandle{{DeviceUUID: "GPU-aaaa", UtilizationPct: 10}},
	}

	var out syncBuffer
	facility := metrics.New(metrics.Options{
		Logger:         slog.New(slog.NewTextHandler(&out, nil)),
		Driver:         drv,
		SampleInterval: 5 * time.Millisecond,
	})
	t.Cleanup(facility.Shutdown)

	facility.EnableGPUMetrics()
	waitFor(t, 2*time.Second, func() bool {
		manager := facility.Sampler()
		return manager != nil && manager.Ready()
	})
	facility.Shutdown()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) == 0 {
		t.Fatalf("expected log output")
	}
	for _, line := range lines {
		if n := strings.Count(line, "component="); n > 1 {
			t.Errorf("log line carries %d component tags: %s", n, line)
		}
	}

	text := out.String()
	if !strings.Contains(text, "component=gpu_discovery") {
		t.Errorf("expected discovery log lines, got:\n%s", text)
	}
	if !strings.Contains(text, "component=sampler") {
		t.Errorf("expected sampler log lines, got:\n%s", text)
	}
}
