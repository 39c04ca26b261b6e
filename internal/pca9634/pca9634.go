// Package pca9634 drives the NXP PCA9634 8-channel I2C LED/PWM controller.
//
// A Device is created with New and must be brought up once with Initialize,
// which writes MODE1/MODE2 and seeds the PWM, group and LEDOUT registers in a
// single auto-increment transfer. Channels are allocated with CreateChannel
// (before or after Initialize) and driven with SetChannelLevel, one register
// write per call (two for group members), or coalesced with StageLevel+Flush.
//
// The driver keeps a shadow copy of every control register it has
// successfully written. It is not safe for concurrent use; callers serialise
// access (see internal/output).
package pca9634

import (
	"errors"
	"fmt"
	"math"
	"time"

	"tinygo.org/x/drivers"
)

var sleep = time.Sleep

// Errors returned by the driver. Bus failures wrap both ErrBus and the
// transport error.
var (
	ErrBus             = errors.New("pca9634: bus error")
	ErrInvalidArgument = errors.New("pca9634: invalid argument")
	ErrNotReady        = errors.New("pca9634: not ready")
)

// oscillatorStartup is the worst-case time the internal oscillator needs
// after MODE1.SLEEP is cleared.
const oscillatorStartup = 500 * time.Microsecond

// Config holds the construction-time settings. They are fixed for the
// lifetime of a Device.
type Config struct {
	// Address is the 7-bit I2C address.
	Address uint16
	// Inverted sets MODE2.INVRT.
	Inverted  bool
	OutDrv    OutDrv
	OutChange OutChange
	GroupMode GroupMode
	// DisableAllCall clears MODE1.ALLCE, which is otherwise enabled.
	DisableAllCall bool
}

// Mode1 returns the MODE1 value written by Initialize. SLEEP is always
// cleared so the oscillator runs.
func (c Config) Mode1() byte {
	if c.DisableAllCall {
		return 0
	}
	return mode1AllCE
}

// Mode2 returns the MODE2 value written by Initialize.
func (c Config) Mode2() byte {
	m := c.OutDrv.Bits() | c.OutChange.Bits() | c.GroupMode.Bits()
	if c.Inverted {
		m |= mode2Invrt
	}
	return m
}

// Device is one PCA9634 on an I2C bus.
type Device struct {
	bus  drivers.I2C
	addr uint16
	cfg  Config

	state     State
	allocated uint8 // channel bitmask
	group     uint8 // group member bitmask
	duty      [NumChannels]uint8
	regs      [numRegs]byte

	// Staged levels awaiting Flush.
	pending [NumChannels]uint8
	dirty   uint8

	// Transfer buffer: control byte plus every owned register.
	w [1 + numRegs]byte
}

// New returns a Device bound to bus. It performs no I/O.
func New(bus drivers.I2C, cfg Config) *Device {
	return &Device{
		bus:  bus,
		addr: cfg.Address,
		cfg:  cfg,
	}
}

func (d *Device) Address() uint16 { return d.addr }
func (d *Device) Config() Config  { return d.cfg }
func (d *Device) State() State    { return d.state }

// Registers returns the shadow image of registers 0x00..0x0D as last
// acknowledged by the chip.
func (d *Device) Registers() [numRegs]byte { return d.regs }

func (d *Device) String() string {
	return fmt.Sprintf("pca9634{addr=0x%02X mode1=0x%02X mode2=0x%02X state=%s channels=%08b group=%08b}",
		d.addr, d.cfg.Mode1(), d.cfg.Mode2(), d.state, d.allocated, d.group)
}

// Initialize writes MODE1 and MODE2 and resets the PWM, group and LEDOUT
// registers in one auto-increment transfer. It must succeed exactly once
// before any channel operation. A failed transfer leaves the device
// Uninitialized so the call can be repeated.
func (d *Device) Initialize() error {
	if d.state == Ready {
		return fmt.Errorf("pca9634: 0x%02X already initialized: %w", d.addr, ErrInvalidArgument)
	}

	var img [numRegs]byte
	img[regMode1] = d.cfg.Mode1()
	img[regMode2] = d.cfg.Mode2()
	img[regGrpPWM] = 0xFF
	for ch := 0; ch < NumChannels; ch++ {
		img[ledOutReg(ch)] = withLEDOut(img[ledOutReg(ch)], ch, d.ledState(ch))
	}

	if err := d.writeRegs(regMode1, img[:]); err != nil {
		return d.busErr("init", err)
	}
	d.regs = img
	d.duty = [NumChannels]uint8{}
	d.dirty = 0
	sleep(oscillatorStartup)
	d.state = Ready
	return nil
}

// CreateChannel allocates channel index. Each index can be allocated once.
func (d *Device) CreateChannel(index int, groupMember bool) (*Channel, error) {
	if index < 0 || index >= NumChannels {
		return nil, fmt.Errorf("pca9634: channel %d out of range 0-7: %w", index, ErrInvalidArgument)
	}
	bit := uint8(1) << index
	if d.allocated&bit != 0 {
		return nil, fmt.Errorf("pca9634: channel %d already allocated: %w", index, ErrInvalidArgument)
	}
	d.allocated |= bit
	if groupMember {
		d.group |= bit
	}
	return &Channel{dev: d, index: index, groupMember: groupMember}, nil
}

// SetChannelLevel writes round(clamp(level)*255) to PWMn. For group members
// the channel's LEDOUT field is also written with the group state. The
// stored level changes only after every write was acknowledged.
func (d *Device) SetChannelLevel(index int, level float64) error {
	if err := d.checkChannel(index); err != nil {
		return err
	}
	v := Duty(level)

	reg := pwmReg(index)
	if err := d.writeReg(reg, v); err != nil {
		return d.busErr(fmt.Sprintf("write PWM%d", index), err)
	}
	d.regs[reg] = v

	if d.isGroupMember(index) {
		lr := ledOutReg(index)
		lv := withLEDOut(d.regs[lr], index, ledGroup)
		if err := d.writeReg(lr, lv); err != nil {
			return d.busErr(fmt.Sprintf("write LEDOUT%d", lr-regLEDOut0), err)
		}
		d.regs[lr] = lv
	}

	d.duty[index] = v
	d.dirty &^= 1 << index
	return nil
}

// Level returns the committed level of channel index in [0,1].
func (d *Device) Level(index int) float64 {
	if index < 0 || index >= NumChannels {
		return 0
	}
	return float64(d.duty[index]) / 255
}

// Duty returns the committed PWM register value of channel index.
func (d *Device) Duty(index int) uint8 {
	if index < 0 || index >= NumChannels {
		return 0
	}
	return d.duty[index]
}

// SetGroupDuty writes GRPPWM. In dim mode it scales every group member; in
// blink mode it sets the on-fraction of the blink period.
func (d *Device) SetGroupDuty(level float64) error {
	if d.state != Ready {
		return ErrNotReady
	}
	v := Duty(level)
	if err := d.writeReg(regGrpPWM, v); err != nil {
		return d.busErr("write GRPPWM", err)
	}
	d.regs[regGrpPWM] = v
	return nil
}

// SetGroupBlink writes GRPFREQ for the given blink period. The chip supports
// (GRPFREQ+1)/24 s, i.e. ~41.7ms to 10.67s; period is clamped to that range.
func (d *Device) SetGroupBlink(period time.Duration) error {
	if d.state != Ready {
		return ErrNotReady
	}
	v := GroupFreq(period)
	if err := d.writeReg(regGrpFreq, v); err != nil {
		return d.busErr("write GRPFREQ", err)
	}
	d.regs[regGrpFreq] = v
	return nil
}

// SoftwareReset sends the SWRST sequence. Every PCA9634 on the bus returns to
// its power-on state, so call it once per bus before initializing devices.
func SoftwareReset(bus drivers.I2C) error {
	if err := bus.Tx(AddressSoftwareReset, softwareResetSequence[:], nil); err != nil {
		return fmt.Errorf("pca9634: software reset: %w: %w", ErrBus, err)
	}
	return nil
}

// Duty converts a level to a PWM register value: round(level*255) after
// clamping to [0,1]. NaN maps to 0.
func Duty(level float64) uint8 {
	if math.IsNaN(level) || level <= 0 {
		return 0
	}
	if level >= 1 {
		return 255
	}
	return uint8(math.Round(level * 255))
}

// GroupFreq converts a blink period to a GRPFREQ register value.
func GroupFreq(period time.Duration) uint8 {
	n := math.Round(period.Seconds()*24) - 1
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return uint8(n)
}

func (d *Device) checkChannel(index int) error {
	if d.state != Ready {
		return ErrNotReady
	}
	if index < 0 || index >= NumChannels || d.allocated&(1<<index) == 0 {
		return fmt.Errorf("pca9634: channel %d not allocated: %w", index, ErrInvalidArgument)
	}
	return nil
}

func (d *Device) isGroupMember(index int) bool { return d.group&(1<<index) != 0 }

func (d *Device) ledState(index int) byte {
	if d.isGroupMember(index) {
		return ledGroup
	}
	return ledIndividual
}

func (d *Device) writeReg(reg, v byte) error {
	d.w[0] = reg
	d.w[1] = v
	return d.bus.Tx(d.addr, d.w[:2], nil)
}

// writeRegs writes vals to consecutive registers starting at reg in one
// transfer.
func (d *Device) writeRegs(reg byte, vals []byte) error {
	d.w[0] = autoIncrementAll | reg
	n := copy(d.w[1:], vals)
	return d.bus.Tx(d.addr, d.w[:1+n], nil)
}

func (d *Device) busErr(op string, err error) error {
	return fmt.Errorf("pca9634: 0x%02X %s: %w: %w", d.addr, op, ErrBus, err)
}

// Channel is one output of a Device. It stays bound to that Device.
type Channel struct {
	dev         *Device
	index       int
	groupMember bool
}

func (c *Channel) Device() *Device   { return c.dev }
func (c *Channel) Index() int        { return c.index }
func (c *Channel) GroupMember() bool { return c.groupMember }
func (c *Channel) Level() float64    { return c.dev.Level(c.index) }
func (c *Channel) Duty() uint8       { return c.dev.Duty(c.index) }
func (c *Channel) Register() byte    { return pwmReg(c.index) }

// SetLevel writes the level immediately; see Device.SetChannelLevel.
func (c *Channel) SetLevel(level float64) error {
	return c.dev.SetChannelLevel(c.index, level)
}

// StageLevel queues the level for the next Device.Flush.
func (c *Channel) StageLevel(level float64) error {
	return c.dev.StageLevel(c.index, level)
}
