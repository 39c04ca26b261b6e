//go:build linux

package oe

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// Open requests line on chip (e.g. /dev/gpiochip0) as an active-low output.
// The line starts inactive, so outputs stay off until Enable.
func Open(chip string, line int) (Pin, error) {
	if line < 0 {
		return nil, fmt.Errorf("oe: invalid gpio line %d", line)
	}
	c, err := gpiocdev.NewChip(chip, gpiocdev.WithConsumer("pca9634d-oe"))
	if err != nil {
		return nil, fmt.Errorf("oe: open %s: %w", chip, err)
	}
	l, err := c.RequestLine(line, gpiocdev.AsOutput(0), gpiocdev.AsActiveLow)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("oe: request %s line %d: %w", chip, line, err)
	}
	return &gpiodPin{chip: c, line: l}, nil
}

type gpiodPin struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (p *gpiodPin) Enable() error  { return p.set(1) }
func (p *gpiodPin) Disable() error { return p.set(0) }

func (p *gpiodPin) set(v int) error {
	if p == nil || p.line == nil {
		return fmt.Errorf("oe: line not open")
	}
	return p.line.SetValue(v)
}

func (p *gpiodPin) Close() error {
	if p == nil || p.line == nil {
		return nil
	}
	_ = p.line.SetValue(0)
	err := p.line.Close()
	p.line = nil
	if p.chip != nil {
		_ = p.chip.Close()
		p.chip = nil
	}
	return err
}
