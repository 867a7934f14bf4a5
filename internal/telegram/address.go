package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAddress is returned when an address string cannot be parsed.
var ErrInvalidAddress = errors.New("telegram: invalid address")

// IndividualAddr is a device address in area.line.device form (4/4/8 bits).
type IndividualAddr uint16

// NewIndividualAddr packs area, line and device into an IndividualAddr.
func NewIndividualAddr(area, line, device uint8) IndividualAddr {
	return IndividualAddr(uint16(area&0x0F)<<12 | uint16(line&0x0F)<<8 | uint16(device))
}

// ParseIndividualAddr parses "1.1.5".
func ParseIndividualAddr(s string) (IndividualAddr, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: expected area.line.device, got %q", ErrInvalidAddress, s)
	}
	area, err := parseField(parts[0], 15)
	if err != nil {
		return 0, fmt.Errorf("%w: area in %q", ErrInvalidAddress, s)
	}
	line, err := parseField(parts[1], 15)
	if err != nil {
		return 0, fmt.Errorf("%w: line in %q", ErrInvalidAddress, s)
	}
	dev, err := parseField(parts[2], 255)
	if err != nil {
		return 0, fmt.Errorf("%w: device in %q", ErrInvalidAddress, s)
	}
	return NewIndividualAddr(uint8(area), uint8(line), uint8(dev)), nil
}

func (a IndividualAddr) String() string {
	return fmt.Sprintf("%d.%d.%d", uint16(a)>>12, (uint16(a)>>8)&0x0F, uint16(a)&0xFF)
}

// GroupAddr is a three-level group address main/middle/sub (5/3/8 bits).
type GroupAddr uint16

// NewGroupAddr packs main, middle and sub into a GroupAddr.
func NewGroupAddr(main, middle, sub uint8) GroupAddr {
	return GroupAddr(uint16(main&0x1F)<<11 | uint16(middle&0x07)<<8 | uint16(sub))
}

// ParseGroupAddr parses "1/2/3".
func ParseGroupAddr(s string) (GroupAddr, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: expected main/middle/sub, got %q", ErrInvalidAddress, s)
	}
	main, err := parseField(parts[0], 31)
	if err != nil {
		return 0, fmt.Errorf("%w: main group in %q", ErrInvalidAddress, s)
	}
	middle, err := parseField(parts[1], 7)
	if err != nil {
		return 0, fmt.Errorf("%w: middle group in %q", ErrInvalidAddress, s)
	}
	sub, err := parseField(parts[2], 255)
	if err != nil {
		return 0, fmt.Errorf("%w: sub group in %q", ErrInvalidAddress, s)
	}
	return NewGroupAddr(uint8(main), uint8(middle), uint8(sub)), nil
}

func (g GroupAddr) String() string {
	return fmt.Sprintf("%d/%d/%d", uint16(g)>>11, (uint16(g)>>8)&0x07, uint16(g)&0xFF)
}

func parseField(s string, max int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if v < 0 || v > max {
		return 0, fmt.Errorf("out of range 0-%d", max)
	}
	return v, nil
}
