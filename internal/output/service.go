// Package output owns the PCA9634 devices at runtime.
//
// All driver calls happen on the Run goroutine. Set and the group setters only
// queue requests, so MQTT and web handlers may call them concurrently.
package output

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"tinygo.org/x/drivers"

	"pca9634d/internal/oe"
	"pca9634d/internal/pca9634"
)

var (
	ErrUnknownOutput = errors.New("output: unknown output")
	ErrUnknownDevice = errors.New("output: unknown device")
	ErrInvalidLevel  = errors.New("output: level must be a number")
	ErrStopped       = errors.New("output: service stopped")
)

type Config struct {
	FlushInterval time.Duration
	InitRetryMin  time.Duration
	InitRetryMax  time.Duration

	// ResetBus, if set, receives one software reset before any device is
	// initialised.
	ResetBus drivers.I2C
	// OE is enabled once every device is ready and disabled when Run returns.
	OE  oe.Pin
	Log zerolog.Logger
}

type DeviceSpec struct {
	ID      string
	Device  *pca9634.Device
	Outputs []OutputSpec
}

type OutputSpec struct {
	ID      string
	Channel *pca9634.Channel
	// MinPower and MaxPower rescale a requested level into [MinPower, MaxPower].
	// A nil MaxPower means 1.
	MinPower float64
	MaxPower *float64
	// ZeroMeansZero maps a request of exactly 0 to 0 instead of MinPower.
	ZeroMeansZero bool
	// Inverted flips the mapped level (1 - v).
	Inverted bool
}

// Scale maps a requested level onto the channel's power range, then applies
// inversion.
func (o OutputSpec) Scale(level float64) float64 {
	v := clamp(level, 0, 1)
	if v != 0 || !o.ZeroMeansZero {
		maxPower := 1.0
		if o.MaxPower != nil {
			maxPower = *o.MaxPower
		}
		v = o.MinPower + v*(maxPower-o.MinPower)
	}
	if o.Inverted {
		v = 1 - v
	}
	return v
}

type Snapshot struct {
	Devices []DeviceStatus `json:"devices"`
	Outputs []OutputStatus `json:"outputs"`
}

type DeviceStatus struct {
	ID        string  `json:"id"`
	Address   string  `json:"address"`
	Mode1     uint8   `json:"mode1"`
	Mode2     uint8   `json:"mode2"`
	Ready     bool    `json:"ready"`
	GroupDuty float64 `json:"group_duty"`
	LastError string  `json:"last_error,omitempty"`
}

type OutputStatus struct {
	ID          string  `json:"id"`
	Device      string  `json:"device"`
	Channel     int     `json:"channel"`
	GroupMember bool    `json:"group_member"`
	Level       float64 `json:"level"`
	Raw         uint8   `json:"raw"`
}

type reqKind int

const (
	reqLevel reqKind = iota
	reqGroupDuty
	reqGroupBlink
)

type request struct {
	kind   reqKind
	out    *outputState
	dev    *deviceState
	level  float64
	period time.Duration
}

type deviceState struct {
	spec    DeviceSpec
	outputs []*outputState

	retry     backoff.Backoff
	nextInit  time.Time
	lastErr   string
	groupDuty float64

	groupDutySet  bool
	groupBlinkSet bool
	groupBlink    time.Duration
	groupDirty    bool
}

type outputState struct {
	spec OutputSpec
	dev  *deviceState

	requested float64
	want      float64
	dirty     bool
}

type Service struct {
	cfg Config
	log zerolog.Logger

	devices   []*deviceState
	byOutput  map[string]*outputState
	byDevice  map[string]*deviceState
	reqs      chan request
	stopCh    chan struct{}
	stopOnce  sync.Once
	oeEnabled bool

	mu   sync.Mutex
	snap Snapshot
	subs map[chan Snapshot]struct{}
}

func New(cfg Config, devices []DeviceSpec) *Service {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 20 * time.Millisecond
	}
	if cfg.InitRetryMin <= 0 {
		cfg.InitRetryMin = 100 * time.Millisecond
	}
	if cfg.InitRetryMax < cfg.InitRetryMin {
		cfg.InitRetryMax = cfg.InitRetryMin
	}

	s := &Service{
		cfg:      cfg,
		log:      cfg.Log.With().Str("component", "output").Logger(),
		byOutput: map[string]*outputState{},
		byDevice: map[string]*deviceState{},
		reqs:     make(chan request, 64),
		stopCh:   make(chan struct{}),
		subs:     map[chan Snapshot]struct{}{},
	}
	for _, spec := range devices {
		ds := &deviceState{
			spec:      spec,
			groupDuty: 1,
			retry: backoff.Backoff{
				Min:    cfg.InitRetryMin,
				Max:    cfg.InitRetryMax,
				Factor: 2,
			},
		}
		for _, o := range spec.Outputs {
			st := &outputState{spec: o, dev: ds}
			ds.outputs = append(ds.outputs, st)
			s.byOutput[o.ID] = st
		}
		s.devices = append(s.devices, ds)
		s.byDevice[spec.ID] = ds
	}
	s.snap = s.buildSnapshot()
	return s
}

// Set queues a level change for an output. It returns once the request is
// queued; the level reaches the chip on the next flush.
func (s *Service) Set(ctx context.Context, outputID string, level float64) error {
	out, ok := s.byOutput[outputID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownOutput, outputID)
	}
	if math.IsNaN(level) {
		return ErrInvalidLevel
	}
	return s.enqueue(ctx, request{kind: reqLevel, out: out, level: level})
}

// SetGroupDuty queues a GRPPWM change for a device.
func (s *Service) SetGroupDuty(ctx context.Context, deviceID string, level float64) error {
	dev, ok := s.byDevice[deviceID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownDevice, deviceID)
	}
	if math.IsNaN(level) {
		return ErrInvalidLevel
	}
	return s.enqueue(ctx, request{kind: reqGroupDuty, dev: dev, level: level})
}

// SetGroupBlink queues a GRPFREQ change for a device.
func (s *Service) SetGroupBlink(ctx context.Context, deviceID string, period time.Duration) error {
	dev, ok := s.byDevice[deviceID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownDevice, deviceID)
	}
	return s.enqueue(ctx, request{kind: reqGroupBlink, dev: dev, period: period})
}

// HasOutput reports whether id names a configured output.
func (s *Service) HasOutput(id string) bool {
	_, ok := s.byOutput[id]
	return ok
}

func (s *Service) enqueue(ctx context.Context, r request) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}
	select {
	case s.reqs <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopped
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Subscribe returns a channel that receives the current snapshot and then
// every change. Slow readers only see the latest snapshot.
func (s *Service) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.snap
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run initialises the devices and then serves requests until ctx is done or
// Close is called. Requests made after Run returns fail with ErrStopped.
func (s *Service) Run(ctx context.Context) {
	defer s.Close()
	defer s.disableOE()

	if s.cfg.ResetBus != nil {
		if err := pca9634.SoftwareReset(s.cfg.ResetBus); err != nil {
			s.log.Warn().Err(err).Msg("software reset failed")
		} else {
			s.log.Info().Msg("software reset sent")
		}
	}

	s.tick(time.Now())

	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case r := <-s.reqs:
			s.apply(r)
		case now := <-t.C:
			s.tick(now)
		}
	}
}

func (s *Service) apply(r request) {
	switch r.kind {
	case reqLevel:
		r.out.requested = clamp(r.level, 0, 1)
		r.out.want = r.out.spec.Scale(r.level)
		r.out.dirty = true
	case reqGroupDuty:
		r.dev.groupDutySet = true
		r.dev.groupDuty = clamp(r.level, 0, 1)
		r.dev.groupDirty = true
	case reqGroupBlink:
		r.dev.groupBlinkSet = true
		r.dev.groupBlink = r.period
		r.dev.groupDirty = true
	}
	s.publish()
}

func (s *Service) tick(now time.Time) {
	allReady := true
	for _, d := range s.devices {
		if d.spec.Device.State() != pca9634.Ready {
			if now.Before(d.nextInit) || !s.initDevice(d, now) {
				allReady = false
				continue
			}
		}
		s.flushDevice(d)
	}
	if allReady {
		s.enableOE()
	}
	s.publish()
}

func (s *Service) initDevice(d *deviceState, now time.Time) bool {
	dev := d.spec.Device
	if err := dev.Initialize(); err != nil {
		wait := d.retry.Duration()
		d.nextInit = now.Add(wait)
		d.lastErr = err.Error()
		s.log.Warn().Err(err).Str("device", d.spec.ID).Dur("retry_in", wait).Msg("device init failed")
		return false
	}
	d.retry.Reset()
	d.lastErr = ""
	s.log.Info().Str("device", d.spec.ID).Stringer("pca9634", dev).Msg("device ready")
	return true
}

func (s *Service) flushDevice(d *deviceState) {
	dev := d.spec.Device
	for _, o := range d.outputs {
		if !o.dirty {
			continue
		}
		if err := o.spec.Channel.StageLevel(o.want); err != nil {
			s.log.Error().Err(err).Str("output", o.spec.ID).Msg("stage level failed")
			continue
		}
		o.dirty = false
	}

	if dev.Pending() {
		if err := dev.Flush(); err != nil {
			s.deviceErr(d, err, "flush failed")
			return
		}
	}

	if d.groupDirty {
		if d.groupDutySet {
			if err := dev.SetGroupDuty(d.groupDuty); err != nil {
				s.deviceErr(d, err, "group duty failed")
				return
			}
		}
		if d.groupBlinkSet {
			if err := dev.SetGroupBlink(d.groupBlink); err != nil {
				s.deviceErr(d, err, "group blink failed")
				return
			}
		}
		d.groupDirty = false
	}
	d.lastErr = ""
}

func (s *Service) deviceErr(d *deviceState, err error, msg string) {
	if d.lastErr != err.Error() {
		s.log.Warn().Err(err).Str("device", d.spec.ID).Msg(msg)
	}
	d.lastErr = err.Error()
}

func (s *Service) enableOE() {
	if s.cfg.OE == nil || s.oeEnabled {
		return
	}
	if err := s.cfg.OE.Enable(); err != nil {
		s.log.Warn().Err(err).Msg("output enable failed")
		return
	}
	s.oeEnabled = true
	s.log.Info().Msg("outputs enabled")
}

func (s *Service) disableOE() {
	if s.cfg.OE == nil || !s.oeEnabled {
		return
	}
	if err := s.cfg.OE.Disable(); err != nil {
		s.log.Warn().Err(err).Msg("output disable failed")
	}
	s.oeEnabled = false
}

func (s *Service) buildSnapshot() Snapshot {
	var snap Snapshot
	for _, d := range s.devices {
		dev := d.spec.Device
		cfg := dev.Config()
		snap.Devices = append(snap.Devices, DeviceStatus{
			ID:        d.spec.ID,
			Address:   fmt.Sprintf("0x%02X", dev.Address()),
			Mode1:     cfg.Mode1(),
			Mode2:     cfg.Mode2(),
			Ready:     dev.State() == pca9634.Ready,
			GroupDuty: d.groupDuty,
			LastError: d.lastErr,
		})
		for _, o := range d.outputs {
			ch := o.spec.Channel
			snap.Outputs = append(snap.Outputs, OutputStatus{
				ID:          o.spec.ID,
				Device:      d.spec.ID,
				Channel:     ch.Index(),
				GroupMember: ch.GroupMember(),
				Level:       o.requested,
				Raw:         ch.Duty(),
			})
		}
	}
	return snap
}

func (s *Service) publish() {
	snap := s.buildSnapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if reflect.DeepEqual(snap, s.snap) {
		return
	}
	s.snap = snap
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot in favour of the new one.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
