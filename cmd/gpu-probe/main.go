// gpu-probe is a diagnostic tool that enumerates accelerators through the
// driver library and optionally dumps one reading of every telemetry query.
// It is useful for checking what a host exposes before running the daemon.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/openinfer/telemetryd/internal/gpu"
)

type options struct {
	sample     bool
	gpuFilter  string
	jsonOutput bool
}

type probeReading struct {
	UUID             string   `json:"gpu_uuid"`
	Name             string   `json:"name"`
	PowerLimitWatts  *float64 `json:"power_limit_watts"`
	PowerUsageWatts  *float64 `json:"power_usage_watts"`
	EnergyJoules     *float64 `json:"energy_joules"`
	Utilization      *float64 `json:"utilization"`
	MemoryTotalBytes *uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes  *uint64  `json:"memory_used_bytes"`
	Errors           []string `json:"errors,omitempty"`
}

func parseFlags() options {
	var opts options
	flag.BoolVar(&opts.sample, "sample", false, "Collect one telemetry reading per device")
	flag.StringVar(&opts.gpuFilter, "gpu", "", "Limit sampling to a specific device UUID")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit output as JSON")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	driver := gpu.NVMLDriver()
	devices, err := gpu.Discover(driver, logger.With("component", "gpu_discovery"))
	if err != nil {
		logger.Error("device discovery failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := driver.Shutdown(); err != nil {
			logger.Warn("driver shutdown failed", "err", err)
		}
	}()

	if opts.jsonOutput && !opts.sample {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(devices); err != nil {
			logger.Error("encode discovery output", "err", err)
			os.Exit(1)
		}
		return
	}

	if !opts.jsonOutput {
		if len(devices) == 0 {
			fmt.Println("No accelerators detected")
		} else {
			fmt.Println("Discovered accelerators:")
		}
		for _, device := range devices {
			fmt.Printf("- %d: %s (%s)\n", device.Index, device.UUID, device.Name)
		}
	}

	if !opts.sample {
		return
	}

	var readings []probeReading
	for _, device := range devices {
		if opts.gpuFilter != "" && opts.gpuFilter != device.UUID {
			continue
		}
		readings = append(readings, probe(device))
	}

	if len(readings) == 0 {
		logger.Warn("no devices matched", "filter", opts.gpuFilter, "count", len(devices))
		return
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(readings); err != nil {
			logger.Error("encode readings", "err", err)
			os.Exit(1)
		}
		return
	}

	for _, reading := range readings {
		data, err := json.MarshalIndent(reading, "", "  ")
		if err != nil {
			logger.Error("encode reading", "gpu_uuid", reading.UUID, "err", err)
			continue
		}
		fmt.Printf("\nDevice %s reading:\n%s\n", reading.UUID, string(data))
	}
}

func probe(device gpu.Device) probeReading {
	reading := probeReading{UUID: device.UUID, Name: device.Name}
	handle := device.Handle

	if mw, err := handle.PowerManagementLimit(); err == nil {
		watts := float64(mw) * 0.001
		reading.PowerLimitWatts = &watts
	} else {
		reading.Errors = append(reading.Errors, err.Error())
	}

	if mw, err := handle.PowerUsage(); err == nil {
		watts := float64(mw) * 0.001
		reading.PowerUsageWatts = &watts
	} else {
		reading.Errors = append(reading.Errors, err.Error())
	}

	if mj, err := handle.TotalEnergyConsumption(); err == nil {
		joules := float64(mj) * 0.001
		reading.EnergyJoules = &joules
	} else {
		reading.Errors = append(reading.Errors, err.Error())
	}

	if pct, err := handle.UtilizationRate(); err == nil {
		fraction := float64(pct) * 0.01
		reading.Utilization = &fraction
	} else {
		reading.Errors = append(reading.Errors, err.Error())
	}

	if mem, err := handle.MemoryInfo(); err == nil {
		total := mem.TotalBytes
		used := mem.UsedBytes
		reading.MemoryTotalBytes = &total
		reading.MemoryUsedBytes = &used
	} else {
		reading.Errors = append(reading.Errors, err.Error())
	}

	return reading
}
