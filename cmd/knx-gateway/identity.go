package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"knx-gateway/internal/gateway"
	"knx-gateway/internal/store"
	"knx-gateway/internal/telegram"
	"knx-gateway/internal/tunnel"
)

// buildIdentity layers the configured device section and then the stored
// overrides on top of the factory identity.
func buildIdentity(cfg *Config, override *store.Identity) (gateway.Identity, error) {
	id := gateway.DefaultIdentity()
	d := cfg.Device

	if d.FriendlyName != "" {
		id.FriendlyName = d.FriendlyName
	}
	addr, err := telegram.ParseIndividualAddr(d.Address)
	if err != nil {
		return id, fmt.Errorf("device.address: %w", err)
	}
	id.Address = addr
	if d.Serial != "" {
		if id.Serial, err = parse6(d.Serial); err != nil {
			return id, fmt.Errorf("device.serial: %w", err)
		}
	}
	if d.MAC != "" {
		if id.MAC, err = parse6(d.MAC); err != nil {
			return id, fmt.Errorf("device.mac: %w", err)
		}
	}
	if d.ProjectID != 0 {
		id.ProjectID = d.ProjectID
	}
	if d.ProgrammingMode != nil {
		id.ProgrammingMode = *d.ProgrammingMode
	}
	if d.ManufacturerID != 0 {
		id.ManufacturerID = d.ManufacturerID
	}
	if id.Multicast, err = netip.ParseAddr(cfg.KNXnet.MulticastGroup); err != nil {
		return id, fmt.Errorf("knxnet.multicast_group: %w", err)
	}
	for _, f := range []struct {
		name string
		in   string
		out  *netip.Addr
	}{
		{"device.ip", d.IP, &id.IP},
		{"device.mask", d.Mask, &id.Mask},
		{"device.gateway", d.Gateway, &id.Gateway},
	} {
		if f.in == "" {
			continue
		}
		if *f.out, err = netip.ParseAddr(f.in); err != nil {
			return id, fmt.Errorf("%s: %w", f.name, err)
		}
	}

	if override == nil {
		return id, nil
	}
	if override.FriendlyName != "" {
		id.FriendlyName = override.FriendlyName
	}
	if override.Address != "" {
		if id.Address, err = telegram.ParseIndividualAddr(override.Address); err != nil {
			return id, fmt.Errorf("stored address: %w", err)
		}
	}
	if override.Serial != "" {
		if id.Serial, err = parse6(override.Serial); err != nil {
			return id, fmt.Errorf("stored serial: %w", err)
		}
	}
	if override.ProjectID != 0 {
		id.ProjectID = override.ProjectID
	}
	if override.ProgrammingMode != nil {
		id.ProgrammingMode = *override.ProgrammingMode
	}
	return id, nil
}

// parse6 reads six bytes written as plain hex or separated by colons,
// dashes or spaces.
func parse6(s string) ([6]byte, error) {
	var out [6]byte
	if hw, err := net.ParseMAC(s); err == nil && len(hw) == 6 {
		copy(out[:], hw)
		return out, nil
	}
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return out, err
	}
	if len(b) != 6 {
		return out, fmt.Errorf("want 6 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// restoreFeatures applies the stored writable features to the defaults.
func restoreFeatures(db store.Store) (tunnel.Features, error) {
	f := tunnel.DefaultFeatures()
	saved, err := db.GetFeatures()
	if errors.Is(err, store.ErrNotFound) {
		return f, nil
	}
	if err != nil {
		return f, err
	}
	f.InfoServiceEnable = saved.InfoServiceEnable
	if saved.ActiveEMI != 0 {
		f.ActiveEMI = saved.ActiveEMI
	}
	return f, nil
}
