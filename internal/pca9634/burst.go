package pca9634

import "fmt"

// StageLevel records level for channel index without touching the bus. The
// value is written by the next Flush; staging the same channel twice keeps
// the last value. The committed Level is unchanged until Flush succeeds.
func (d *Device) StageLevel(index int, level float64) error {
	if err := d.checkChannel(index); err != nil {
		return err
	}
	d.pending[index] = Duty(level)
	d.dirty |= 1 << index
	return nil
}

// Pending reports whether staged levels are waiting for Flush.
func (d *Device) Pending() bool { return d.dirty != 0 }

// Flush writes every staged level in one auto-increment transfer covering
// the first through the last register that changes. Registers in between
// are rewritten with their shadow values. The resulting register contents
// are the same as calling SetChannelLevel for each staged channel.
//
// On failure nothing is committed and the staged levels are kept, so Flush
// can be retried.
func (d *Device) Flush() error {
	if d.state != Ready {
		return ErrNotReady
	}
	if d.dirty == 0 {
		return nil
	}

	img := d.regs
	first, last := -1, -1
	mark := func(reg byte) {
		r := int(reg)
		if first < 0 || r < first {
			first = r
		}
		if r > last {
			last = r
		}
	}
	for ch := 0; ch < NumChannels; ch++ {
		if d.dirty&(1<<ch) == 0 {
			continue
		}
		img[pwmReg(ch)] = d.pending[ch]
		mark(pwmReg(ch))
		if d.isGroupMember(ch) {
			lr := ledOutReg(ch)
			img[lr] = withLEDOut(img[lr], ch, ledGroup)
			if img[lr] != d.regs[lr] {
				mark(lr)
			}
		}
	}

	if err := d.writeRegs(byte(first), img[first:last+1]); err != nil {
		return d.busErr(fmt.Sprintf("burst 0x%02X-0x%02X", first, last), err)
	}
	d.regs = img
	for ch := 0; ch < NumChannels; ch++ {
		if d.dirty&(1<<ch) != 0 {
			d.duty[ch] = d.pending[ch]
		}
	}
	d.dirty = 0
	return nil
}
