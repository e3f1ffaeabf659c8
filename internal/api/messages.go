// Package api defines the WebSocket message schema for the live telemetry
// stream.
package api

import (
	"github.com/openinfer/telemetryd/internal/gpu"
	"github.com/openinfer/telemetryd/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string       `json:"type"`
	IntervalMS int          `json:"interval_ms"`
	Devices    []gpu.Device `json:"devices"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, devices []gpu.Device) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Devices:    devices,
	}
}

// StatsMessage wraps a sampler snapshot for transport.
type StatsMessage struct {
	Type string `json:"type"`
	sampler.Sample
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(sample sampler.Sample) StatsMessage {
	return StatsMessage{
		Type:   "stats",
		Sample: sample,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage requests the per-tick snapshot stream for one device.
type SubscribeMessage struct {
	Type string `json:"type"`
	UUID string `json:"gpu_uuid"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
