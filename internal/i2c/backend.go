package i2c

import (
	"fmt"

	"github.com/rs/zerolog"
	pi2c "periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"
)

// Backend names accepted by OpenBackend.
const (
	BackendLinux  = "linux"
	BackendPeriph = "periph"
)

// BusCloser is an I2C transport that owns an OS handle.
type BusCloser interface {
	drivers.I2C
	String() string
	Close() error
}

var (
	_ BusCloser = (*Bus)(nil)
	_ BusCloser = (pi2c.BusCloser)(nil)
)

// OpenBackend opens name with the selected backend. For "linux" name is a
// device path such as /dev/i2c-1; for "periph" it is a periph.io bus name
// ("" selects the first registered bus).
func OpenBackend(backend, name string) (BusCloser, error) {
	switch backend {
	case "", BackendLinux:
		b, err := Open(name)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendPeriph:
		return OpenPeriph(name)
	}
	return nil, fmt.Errorf("i2c: unknown backend %q", backend)
}

// OpenPeriph loads the periph.io host drivers and opens a registered bus.
func OpenPeriph(name string) (pi2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("i2c: periph host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("i2c: periph open %q: %w", name, err)
	}
	return b, nil
}

// Traced logs every transfer on Bus at trace level.
type Traced struct {
	Bus drivers.I2C
	Log zerolog.Logger
}

func (t Traced) Tx(addr uint16, w, r []byte) error {
	err := t.Bus.Tx(addr, w, r)
	ev := t.Log.Trace()
	if err != nil {
		ev = t.Log.Debug().Err(err)
	}
	ev.Str("addr", fmt.Sprintf("0x%02X", addr)).Hex("w", w).Hex("r", r).Msg("i2c tx")
	return err
}
