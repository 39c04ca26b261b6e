//go:build !linux

package oe

import "fmt"

func Open(chip string, line int) (Pin, error) {
	return nil, fmt.Errorf("oe: gpio unsupported on this platform")
}
