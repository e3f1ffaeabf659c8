package metrics

import "github.com/prometheus/client_golang/prometheus"

// Family names and help strings are scrape contracts consumed by existing
// dashboards; do not rename them.

const gpuUUIDLabel = "gpu_uuid"

var modelLabels = []string{"model", "version"}

func newInferenceFamilies(registry *prometheus.Registry) inferenceFamilies {
	counter := func(name, help string) *prometheus.CounterVec {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, modelLabels)
		registry.MustRegister(vec)
		return vec
	}

	return inferenceFamilies{
		success: counter("nv_inference_request_success",
			"Number of successful inference requests, all batch sizes"),
		failure: counter("nv_inference_request_failure",
			"Number of failed inference requests, all batch sizes"),
		count: counter("nv_inference_count",
			"Number of inferences performed"),
		execCount: counter("nv_inference_exec_count",
			"Number of model executions performed"),
		requestDuration: counter("nv_inference_request_duration_us",
			"Cummulative inference request duration in microseconds"),
		queueDuration: counter("nv_inference_queue_duration_us",
			"Cummulative inference queuing duration in microseconds"),
		computeInputDuration: counter("nv_inference_compute_input_duration_us",
			"Cummulative compute input duration in microseconds"),
		computeInferDuration: counter("nv_inference_compute_infer_duration_us",
			"Cummulative compute inference duration in microseconds"),
		computeOutputDuration: counter("nv_inference_compute_output_duration_us",
			"Cummulative inference compute output duration in microseconds"),
	}
}

type inferenceFamilies struct {
	success               *prometheus.CounterVec
	failure               *prometheus.CounterVec
	count                 *prometheus.CounterVec
	execCount             *prometheus.CounterVec
	requestDuration       *prometheus.CounterVec
	queueDuration         *prometheus.CounterVec
	computeInputDuration  *prometheus.CounterVec
	computeInferDuration  *prometheus.CounterVec
	computeOutputDuration *prometheus.CounterVec
}

func newGPUFamilies(registry *prometheus.Registry) gpuFamilies {
	gauge := func(name, help string) *prometheus.GaugeVec {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{gpuUUIDLabel})
		registry.MustRegister(vec)
		return vec
	}

	families := gpuFamilies{
		utilization: gauge("nv_gpu_utilization",
			"GPU utilization rate [0.0 - 1.0)"),
		memoryTotal: gauge("nv_gpu_memory_total_bytes",
			"GPU total memory, in bytes"),
		memoryUsed: gauge("nv_gpu_memory_used_bytes",
			"GPU used memory, in bytes"),
		powerUsage: gauge("nv_gpu_power_usage",
			"GPU power usage in watts"),
		powerLimit: gauge("nv_gpu_power_limit",
			"GPU power management limit in watts"),
		energy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nv_energy_consumption",
			Help: "GPU energy consumption in joules since the server started",
		}, []string{gpuUUIDLabel}),
	}
	registry.MustRegister(families.energy)
	return families
}

type gpuFamilies struct {
	utilization *prometheus.GaugeVec
	memoryTotal *prometheus.GaugeVec
	memoryUsed  *prometheus.GaugeVec
	powerUsage  *prometheus.GaugeVec
	powerLimit  *prometheus.GaugeVec
	energy      *prometheus.CounterVec
}
