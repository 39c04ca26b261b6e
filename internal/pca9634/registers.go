package pca9634

import "fmt"

// Register map and bit fields (NXP PCA9634 datasheet, rev. 6).

const (
	// Software reset call address; every PCA9634 on the bus answers it.
	AddressSoftwareReset = 0x03
	// Power-on LED All Call address.
	AddressAllCall = 0x70

	NumChannels = 8

	regMode1   = 0x00
	regMode2   = 0x01
	regPWM0    = 0x02 // PWM0..PWM7 are 0x02..0x09
	regGrpPWM  = 0x0A
	regGrpFreq = 0x0B
	regLEDOut0 = 0x0C // channels 0-3
	regLEDOut1 = 0x0D // channels 4-7

	// numRegs covers the control registers the driver owns (0x00..0x0D).
	numRegs = regLEDOut1 + 1

	// Control register flag: auto-increment through all registers.
	autoIncrementAll = 0x80

	mode1Sleep = 0x10
	mode1AllCE = 0x01

	mode2DMBlnk = 0x20
	mode2Invrt  = 0x10
	mode2OCH    = 0x08
	mode2OutDrv = 0x04

	// LEDOUT 2-bit driver states. Channels are always PWM driven, with or
	// without the group control.
	ledIndividual = 0x2
	ledGroup      = 0x3
)

var softwareResetSequence = [2]byte{0xA5, 0x5A}

// OutDrv selects the output stage structure (MODE2.OUTDRV).
type OutDrv uint8

const (
	OpenDrain OutDrv = iota
	TotemPole
)

func (o OutDrv) Bits() byte {
	if o == TotemPole {
		return mode2OutDrv
	}
	return 0
}

func (o OutDrv) String() string {
	switch o {
	case OpenDrain:
		return "opendrain"
	case TotemPole:
		return "totempole"
	}
	return fmt.Sprintf("OutDrv(%d)", uint8(o))
}

// ParseOutDrv accepts the configuration spellings "opendrain" and "totempole".
func ParseOutDrv(s string) (OutDrv, error) {
	switch s {
	case "opendrain":
		return OpenDrain, nil
	case "totempole":
		return TotemPole, nil
	}
	return 0, fmt.Errorf("pca9634: unknown output structure %q: %w", s, ErrInvalidArgument)
}

// OutChange selects when new register values reach the outputs (MODE2.OCH).
type OutChange uint8

const (
	OnStop OutChange = iota
	OnAck
)

func (o OutChange) Bits() byte {
	if o == OnAck {
		return mode2OCH
	}
	return 0
}

func (o OutChange) String() string {
	switch o {
	case OnStop:
		return "stop"
	case OnAck:
		return "ack"
	}
	return fmt.Sprintf("OutChange(%d)", uint8(o))
}

// ParseOutChange accepts "stop" and "ack".
func ParseOutChange(s string) (OutChange, error) {
	switch s {
	case "stop":
		return OnStop, nil
	case "ack":
		return OnAck, nil
	}
	return 0, fmt.Errorf("pca9634: unknown output change mode %q: %w", s, ErrInvalidArgument)
}

// GroupMode selects whether GRPPWM/GRPFREQ dim or blink the group (MODE2.DMBLNK).
type GroupMode uint8

const (
	GroupDim GroupMode = iota
	GroupBlink
)

func (g GroupMode) Bits() byte {
	if g == GroupBlink {
		return mode2DMBlnk
	}
	return 0
}

func (g GroupMode) String() string {
	switch g {
	case GroupDim:
		return "dim"
	case GroupBlink:
		return "blink"
	}
	return fmt.Sprintf("GroupMode(%d)", uint8(g))
}

// ParseGroupMode accepts "dim" and "blink".
func ParseGroupMode(s string) (GroupMode, error) {
	switch s {
	case "dim":
		return GroupDim, nil
	case "blink":
		return GroupBlink, nil
	}
	return 0, fmt.Errorf("pca9634: unknown group mode %q: %w", s, ErrInvalidArgument)
}

// State is the driver lifecycle state.
type State uint8

const (
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "uninitialized"
}

func pwmReg(ch int) byte { return regPWM0 + byte(ch) }

func ledOutReg(ch int) byte {
	if ch < 4 {
		return regLEDOut0
	}
	return regLEDOut1
}

// withLEDOut returns v with the 2-bit field of channel ch replaced by state.
func withLEDOut(v byte, ch int, state byte) byte {
	shift := uint(ch%4) * 2
	return v&^(0x3<<shift) | (state&0x3)<<shift
}
