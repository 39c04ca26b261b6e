// Package oe drives the PCA9634 OE input, an active-low output enable shared
// by every chip wired to it.
package oe

// Pin gates all outputs. Enable drives OE low.
//
// Close leaves the outputs disabled.
type Pin interface {
	Enable() error
	Disable() error
	Close() error
}

// Nop is used when no OE line is wired; the outputs are always enabled.
type Nop struct{}

func (Nop) Enable() error  { return nil }
func (Nop) Disable() error { return nil }
func (Nop) Close() error   { return nil }
