// Package sampler runs the periodic accelerator collection loop: one
// background task that queries every surviving device for every metric kind
// at a fixed interval and publishes the converted values into the registry,
// with per-(device, metric) failure degradation.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openinfer/telemetryd/internal/gpu"
)

// DefaultInterval is the pause between the end of one tick's work and the
// start of the next tick.
const DefaultInterval = 2 * time.Second

// failThreshold is the number of consecutive failures after which a
// (device, metric) pair is permanently excluded from sampling. Log volume
// from a broken sensor is therefore bounded at exactly failThreshold lines.
const failThreshold = 3

// State describes the sampler lifecycle. A Manager runs at most once per
// process; there is no transition back to Running after Stopped.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// metric kinds sampled per device, each with an independent fail counter.
type kind int

const (
	kindPowerLimit kind = iota
	kindPowerUsage
	kindEnergy
	kindUtilization
	kindMemory
	kindCount
)

// Instruments holds the registry handles for one device. The registry owns
// the metrics; the sampler only writes through these references.
type Instruments struct {
	Utilization prometheus.Gauge
	MemoryTotal prometheus.Gauge
	MemoryUsed  prometheus.Gauge
	PowerUsage  prometheus.Gauge
	PowerLimit  prometheus.Gauge
	Energy      prometheus.Counter
}

// Target pairs a discovered device with its registry instruments.
type Target struct {
	Device      gpu.Device
	Instruments Instruments
}

// entry is one slot of the sampling arena: a target plus its per-kind fail
// counters and energy baseline, indexed by survivor-list position.
type entry struct {
	target   Target
	fails    [kindCount]int
	baseline uint64
	seeded   bool
}

// Manager owns the background sampling task, the per-pair degradation
// state and a cache of the latest snapshot per device.
type Manager struct {
	interval time.Duration
	entries  []*entry
	logger   *slog.Logger

	state atomic.Int32

	mu          sync.RWMutex
	latest      map[string]Sample
	subscribers map[string]map[*subscriber]struct{}
}

// NewManager builds a Manager for the given targets. All fail counters and
// baselines start zeroed.
func NewManager(interval time.Duration, targets []Target, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}

	entries := make([]*entry, 0, len(targets))
	for _, target := range targets {
		entries = append(entries, &entry{target: target})
	}

	return &Manager{
		interval:    interval,
		entries:     entries,
		logger:      logger.With("component", "sampler"),
		latest:      make(map[string]Sample),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}, nil
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Run executes the sampling loop until ctx is canceled: sleep the interval,
// then make one full pass over all devices and metric kinds. The stop
// signal is honored only at tick boundaries; an in-flight pass always
// completes. Run can be called once; later calls fail.
func (m *Manager) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("sampler already started (state %s)", m.State())
	}
	defer m.state.Store(int32(StateStopped))

	m.logger.Info("sampler started", "devices", len(m.entries), "interval", m.interval)

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.state.Store(int32(StateStopping))
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}

		m.tick(time.Now().UTC())
		timer.Reset(m.interval)
	}
}

// tick makes one sequential pass over every device and metric kind.
func (m *Manager) tick(now time.Time) {
	for _, e := range m.entries {
		sample := Sample{UUID: e.target.Device.UUID, Timestamp: now}
		m.samplePowerLimit(e, &sample)
		m.samplePowerUsage(e, &sample)
		m.sampleEnergy(e, &sample)
		m.sampleUtilization(e, &sample)
		m.sampleMemory(e, &sample)
		m.storeSample(sample)
	}
}

func (e *entry) degraded(k kind) bool {
	return e.fails[k] >= failThreshold
}

func (m *Manager) samplePowerLimit(e *entry, sample *Sample) {
	if e.degraded(kindPowerLimit) {
		return
	}
	raw, err := e.target.Device.Handle.PowerManagementLimit()
	if err != nil {
		m.logger.Warn("failed to get power limit", "gpu_index", e.target.Device.Index, "err", err)
		e.fails[kindPowerLimit]++
		e.target.Instruments.PowerLimit.Set(0)
		return
	}
	e.fails[kindPowerLimit] = 0
	watts := float64(raw) * 0.001
	e.target.Instruments.PowerLimit.Set(watts)
	sample.Metrics.PowerLimitWatts = &watts
}

func (m *Manager) samplePowerUsage(e *entry, sample *Sample) {
	if e.degraded(kindPowerUsage) {
		return
	}
	raw, err := e.target.Device.Handle.PowerUsage()
	if err != nil {
		m.logger.Warn("failed to get power usage", "gpu_index", e.target.Device.Index, "err", err)
		e.fails[kindPowerUsage]++
		e.target.Instruments.PowerUsage.Set(0)
		return
	}
	e.fails[kindPowerUsage] = 0
	watts := float64(raw) * 0.001
	e.target.Instruments.PowerUsage.Set(watts)
	sample.Metrics.PowerUsageWatts = &watts
}

// sampleEnergy publishes the delta of a cumulative driver counter. The
// first successful reading only seeds the baseline; publishing it would
// record a spurious jump covering time before the sampler started. A raw
// value below the baseline means the driver counter reset, so the baseline
// is re-seeded without publishing.
func (m *Manager) sampleEnergy(e *entry, sample *Sample) {
	if e.degraded(kindEnergy) {
		return
	}
	raw, err := e.target.Device.Handle.TotalEnergyConsumption()
	if err != nil {
		m.logger.Warn("failed to get energy consumption", "gpu_index", e.target.Device.Index, "err", err)
		e.fails[kindEnergy]++
		return
	}
	e.fails[kindEnergy] = 0
	if !e.seeded || raw < e.baseline {
		e.seeded = true
		e.baseline = raw
		return
	}
	joules := float64(raw-e.baseline) * 0.001
	e.target.Instruments.Energy.Add(joules)
	e.baseline = raw
	sample.Metrics.EnergyDeltaJoules = &joules
}

func (m *Manager) sampleUtilization(e *entry, sample *Sample) {
	if e.degraded(kindUtilization) {
		return
	}
	raw, err := e.target.Device.Handle.UtilizationRate()
	if err != nil {
		m.logger.Warn("failed to get utilization", "gpu_index", e.target.Device.Index, "err", err)
		e.fails[kindUtilization]++
		e.target.Instruments.Utilization.Set(0)
		return
	}
	e.fails[kindUtilization] = 0
	fraction := float64(raw) * 0.01
	e.target.Instruments.Utilization.Set(fraction)
	sample.Metrics.Utilization = &fraction
}

func (m *Manager) sampleMemory(e *entry, sample *Sample) {
	if e.degraded(kindMemory) {
		return
	}
	mem, err := e.target.Device.Handle.MemoryInfo()
	if err != nil {
		m.logger.Warn("failed to get memory info", "gpu_index", e.target.Device.Index, "err", err)
		e.fails[kindMemory]++
		e.target.Instruments.MemoryTotal.Set(0)
		e.target.Instruments.MemoryUsed.Set(0)
		return
	}
	e.fails[kindMemory] = 0
	total := mem.TotalBytes
	used := mem.UsedBytes
	e.target.Instruments.MemoryTotal.Set(float64(total))
	e.target.Instruments.MemoryUsed.Set(float64(used))
	sample.Metrics.MemoryTotalBytes = &total
	sample.Metrics.MemoryUsedBytes = &used
}

// Latest returns the most recent snapshot for the given device UUID.
func (m *Manager) Latest(uuid string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sample, ok := m.latest[uuid]
	return sample, ok
}

// UUIDs returns the device UUIDs in survivor-list order.
func (m *Manager) UUIDs() []string {
	uuids := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		uuids = append(uuids, e.target.Device.UUID)
	}
	return uuids
}

// Ready reports whether every device has published at least one snapshot.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if _, ok := m.latest[e.target.Device.UUID]; !ok {
			return false
		}
	}
	return true
}

// Subscribe registers a listener for per-tick snapshots of the given device.
func (m *Manager) Subscribe(uuid string) (<-chan Sample, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.knows(uuid) {
		return nil, nil, fmt.Errorf("unknown device %q", uuid)
	}

	sub := newSubscriber()
	if _, ok := m.subscribers[uuid]; !ok {
		m.subscribers[uuid] = make(map[*subscriber]struct{})
	}
	m.subscribers[uuid][sub] = struct{}{}

	if sample, ok := m.latest[uuid]; ok {
		sub.send(sample)
	}

	unsubscribe := func() {
		m.removeSubscriber(uuid, sub)
	}
	return sub.channel(), unsubscribe, nil
}

func (m *Manager) knows(uuid string) bool {
	for _, e := range m.entries {
		if e.target.Device.UUID == uuid {
			return true
		}
	}
	return false
}

func (m *Manager) storeSample(sample Sample) {
	m.mu.Lock()
	m.latest[sample.UUID] = sample

	targetSubs := make([]*subscriber, 0, len(m.subscribers[sample.UUID]))
	for sub := range m.subscribers[sample.UUID] {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(sample)
	}
}

func (m *Manager) removeSubscriber(uuid string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[uuid]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, uuid)
		}
	}
	sub.close()
}

type subscriber struct {
	ch     chan Sample
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Sample, 1)}
}

func (s *subscriber) channel() <-chan Sample {
	return s.ch
}

func (s *subscriber) send(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- sample:
		return
	default:
	}
	// Drop the unconsumed snapshot to make room for the newer one.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- sample:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
