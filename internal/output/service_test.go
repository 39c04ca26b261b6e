package output

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pca9634d/internal/pca9634"
)

const testAddr = 0x15

type tx struct {
	addr uint16
	w    []byte
}

// fakeBus records transfers. Init bursts (auto-increment from MODE1) fail
// while failInit is non-zero.
type fakeBus struct {
	mu       sync.Mutex
	txs      []tx
	failInit int
}

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs = append(b.txs, tx{addr: addr, w: append([]byte(nil), w...)})
	if len(w) > 0 && w[0] == 0x80 && b.failInit > 0 {
		b.failInit--
		return errors.New("nack")
	}
	return nil
}

func (b *fakeBus) setFailInit(n int) {
	b.mu.Lock()
	b.failInit = n
	b.mu.Unlock()
}

func (b *fakeBus) snapshot() []tx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tx(nil), b.txs...)
}

func (b *fakeBus) sawWrite(addr uint16, w ...byte) bool {
	for _, t := range b.snapshot() {
		if t.addr == addr && string(t.w) == string(w) {
			return true
		}
	}
	return false
}

type fakePin struct {
	mu      sync.Mutex
	enabled bool
	calls   int
}

func (p *fakePin) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
	p.calls++
	return nil
}

func (p *fakePin) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	p.calls++
	return nil
}

func (p *fakePin) Close() error { return nil }

func (p *fakePin) isEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// newTestService builds one device at testAddr with outputs "a" (ch0),
// "b" (ch2) and "g" (ch5, group member).
func newTestService(t *testing.T, bus *fakeBus, cfg Config) *Service {
	t.Helper()
	dev := pca9634.New(bus, pca9634.Config{Address: testAddr})
	spec := DeviceSpec{ID: "pca_a", Device: dev}
	for _, o := range []struct {
		id    string
		ch    int
		group bool
	}{{"a", 0, false}, {"b", 2, false}, {"g", 5, true}} {
		ch, err := dev.CreateChannel(o.ch, o.group)
		require.NoError(t, err)
		spec.Outputs = append(spec.Outputs, OutputSpec{ID: o.id, Channel: ch})
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Millisecond
	}
	if cfg.InitRetryMin == 0 {
		cfg.InitRetryMin = time.Millisecond
		cfg.InitRetryMax = 4 * time.Millisecond
	}
	cfg.Log = zerolog.Nop()
	return New(cfg, []DeviceSpec{spec})
}

func start(t *testing.T, s *Service) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func power(v float64) *float64 { return &v }

func output(snap Snapshot, id string) OutputStatus {
	for _, o := range snap.Outputs {
		if o.ID == id {
			return o
		}
	}
	return OutputStatus{}
}

func TestOutputSpec_Scale(t *testing.T) {
	cases := []struct {
		name  string
		spec  OutputSpec
		level float64
		want  float64
	}{
		{"full range", OutputSpec{}, 0.5, 0.5},
		{"clamp high", OutputSpec{}, 1.5, 1},
		{"clamp low", OutputSpec{}, -1, 0},
		{"min power", OutputSpec{MinPower: 0.2, MaxPower: power(0.8)}, 0.5, 0.5},
		{"min power at zero", OutputSpec{MinPower: 0.2, MaxPower: power(0.8)}, 0, 0.2},
		{"zero means zero", OutputSpec{MinPower: 0.2, MaxPower: power(0.8), ZeroMeansZero: true}, 0, 0},
		{"max power", OutputSpec{MaxPower: power(0.5)}, 1, 0.5},
		{"max power zero", OutputSpec{MaxPower: power(0)}, 1, 0},
		{"inverted", OutputSpec{Inverted: true}, 0.25, 0.75},
		{"inverted full", OutputSpec{Inverted: true}, 1, 0},
		{"inverted after mapping", OutputSpec{MinPower: 0.2, MaxPower: power(0.8), Inverted: true}, 0.5, 0.5},
		{"inverted max power", OutputSpec{MaxPower: power(0.6), Inverted: true}, 1, 0.4},
		{"inverted zero means zero", OutputSpec{MinPower: 0.2, ZeroMeansZero: true, Inverted: true}, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.spec.Scale(tc.level), 1e-9)
		})
	}
}

func TestService_Validation(t *testing.T) {
	s := newTestService(t, &fakeBus{}, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, s.Set(ctx, "nope", 0.5), ErrUnknownOutput)
	assert.ErrorIs(t, s.Set(ctx, "a", math.NaN()), ErrInvalidLevel)
	assert.ErrorIs(t, s.SetGroupDuty(ctx, "nope", 0.5), ErrUnknownDevice)
	assert.ErrorIs(t, s.SetGroupBlink(ctx, "nope", time.Second), ErrUnknownDevice)
	assert.True(t, s.HasOutput("g"))
	assert.False(t, s.HasOutput("nope"))
}

func TestService_InitialSnapshot(t *testing.T) {
	s := newTestService(t, &fakeBus{}, Config{})
	snap := s.Snapshot()

	require.Len(t, snap.Devices, 1)
	assert.Equal(t, DeviceStatus{ID: "pca_a", Address: "0x15", Mode1: 0x01, Mode2: 0x00, GroupDuty: 1}, snap.Devices[0])
	require.Len(t, snap.Outputs, 3)
	assert.Equal(t, OutputStatus{ID: "g", Device: "pca_a", Channel: 5, GroupMember: true}, snap.Outputs[2])
}

func TestService_SetBeforeRunAppliesAfterInit(t *testing.T) {
	bus := &fakeBus{}
	s := newTestService(t, bus, Config{})
	require.NoError(t, s.Set(context.Background(), "a", 0.5))

	start(t, s)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.Devices[0].Ready && output(snap, "a").Raw == 128
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0.5, output(s.Snapshot(), "a").Level)
	assert.True(t, bus.sawWrite(testAddr, 0x80|0x02, 128))
}

func TestService_CoalescesQueuedLevelsIntoOneFlush(t *testing.T) {
	bus := &fakeBus{}
	s := newTestService(t, bus, Config{FlushInterval: 50 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", 1))
	require.NoError(t, s.Set(ctx, "b", 0.5))
	require.NoError(t, s.Set(ctx, "g", 0.25))

	start(t, s)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return output(snap, "a").Raw == 255 && output(snap, "b").Raw == 128 && output(snap, "g").Raw == 64
	}, time.Second, time.Millisecond)

	txs := bus.snapshot()
	require.Len(t, txs, 2, "init burst plus one flush")
	// PWM0 through PWM5. LEDOUT1 already holds the group state from init.
	assert.Equal(t, []byte{0x80 | 0x02, 255, 0, 128, 0, 0, 64}, txs[1].w)
}

func TestService_InitRetriesUntilDeviceAnswers(t *testing.T) {
	bus := &fakeBus{failInit: 1 << 30}
	s := newTestService(t, bus, Config{})
	start(t, s)

	require.Eventually(t, func() bool {
		return strings.Contains(s.Snapshot().Devices[0].LastError, "nack")
	}, time.Second, time.Millisecond)
	assert.False(t, s.Snapshot().Devices[0].Ready)

	bus.setFailInit(0)
	require.Eventually(t, func() bool {
		d := s.Snapshot().Devices[0]
		return d.Ready && d.LastError == ""
	}, time.Second, time.Millisecond)

	var inits int
	for _, op := range bus.snapshot() {
		if op.w[0] == 0x80 {
			inits++
		}
	}
	assert.Greater(t, inits, 1)
}

func TestService_OutputEnableFollowsReadiness(t *testing.T) {
	bus := &fakeBus{failInit: 1 << 30}
	pin := &fakePin{}
	s := newTestService(t, bus, Config{OE: pin})
	cancel, done := start(t, s)

	time.Sleep(10 * time.Millisecond)
	assert.False(t, pin.isEnabled(), "outputs stay disabled until every device is ready")

	bus.setFailInit(0)
	require.Eventually(t, pin.isEnabled, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.False(t, pin.isEnabled())
	assert.Equal(t, 2, pin.calls)
}

func TestService_SoftwareResetFirst(t *testing.T) {
	bus := &fakeBus{}
	s := newTestService(t, bus, Config{ResetBus: bus})
	start(t, s)

	require.Eventually(t, func() bool { return s.Snapshot().Devices[0].Ready }, time.Second, time.Millisecond)
	txs := bus.snapshot()
	require.GreaterOrEqual(t, len(txs), 2)
	assert.Equal(t, tx{addr: pca9634.AddressSoftwareReset, w: []byte{0xA5, 0x5A}}, txs[0])
	assert.Equal(t, uint16(testAddr), txs[1].addr)
}

func TestService_GroupRegisters(t *testing.T) {
	bus := &fakeBus{}
	s := newTestService(t, bus, Config{})
	ctx := context.Background()
	require.NoError(t, s.SetGroupDuty(ctx, "pca_a", 0.5))
	require.NoError(t, s.SetGroupBlink(ctx, "pca_a", time.Second))

	start(t, s)
	require.Eventually(t, func() bool {
		return bus.sawWrite(testAddr, 0x0A, 128) && bus.sawWrite(testAddr, 0x0B, 23)
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0.5, s.Snapshot().Devices[0].GroupDuty)
}

func TestService_SubscribeSeesChanges(t *testing.T) {
	s := newTestService(t, &fakeBus{}, Config{})
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	first := <-ch
	assert.False(t, first.Devices[0].Ready)

	start(t, s)
	require.NoError(t, s.Set(context.Background(), "b", 1))

	timeout := time.After(time.Second)
	for {
		select {
		case snap := <-ch:
			if output(snap, "b").Raw == 255 {
				return
			}
		case <-timeout:
			t.Fatalf("no snapshot with b=255, last=%+v", s.Snapshot())
		}
	}
}

func TestService_SetAfterRunReturnsFails(t *testing.T) {
	s := newTestService(t, &fakeBus{}, Config{})
	cancel, done := start(t, s)
	require.Eventually(t, func() bool { return s.Snapshot().Devices[0].Ready }, time.Second, time.Millisecond)

	cancel()
	<-done
	ctx := context.Background()
	assert.ErrorIs(t, s.Set(ctx, "a", 0.7), ErrStopped)
	assert.ErrorIs(t, s.SetGroupDuty(ctx, "pca_a", 0.5), ErrStopped)
	assert.Zero(t, len(s.reqs), "nothing queued for a stopped loop")
}

func TestService_SetWithFullQueue(t *testing.T) {
	s := newTestService(t, &fakeBus{}, Config{})
	for i := 0; i < cap(s.reqs); i++ {
		require.NoError(t, s.Set(context.Background(), "a", 0.1))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.SetGroupDuty(ctx, "pca_a", 0.2), context.Canceled)

	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Set(context.Background(), "a", 0.2), ErrStopped)
}
