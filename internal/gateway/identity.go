package gateway

import (
	"net/netip"

	"knx-gateway/internal/knxnet"
	"knx-gateway/internal/telegram"
)

// Identity is the static device description reported in search and
// description responses.
type Identity struct {
	FriendlyName     string
	Address          telegram.IndividualAddr
	ProjectID        uint16
	Serial           [6]byte
	MAC              [6]byte
	Multicast        netip.Addr
	ProgrammingMode  bool
	ManufacturerID   uint16
	ManufacturerData []byte

	// IP settings for the IP config DIBs; omitted when IP is invalid.
	IP      netip.Addr
	Mask    netip.Addr
	Gateway netip.Addr
	DHCP    bool
}

// DefaultIdentity returns the factory identity.
func DefaultIdentity() Identity {
	return Identity{
		FriendlyName:     "KNX IP Gateway",
		Address:          telegram.NewIndividualAddr(1, 0, 0),
		ProjectID:        0x0011,
		Serial:           [6]byte{0x00, 0x01, 0x11, 0x11, 0x11, 0x11},
		MAC:              [6]byte{0x45, 0x49, 0x42, 0x6E, 0x65, 0x74},
		Multicast:        netip.MustParseAddr(knxnet.MulticastGroup),
		ProgrammingMode:  true,
		ManufacturerID:   0x00FE,
		ManufacturerData: []byte("N146"),
	}
}

var supportedFamilies = knxnet.ServiceFamilies{
	{ID: knxnet.FamilyCore, Version: 2},
	{ID: knxnet.FamilyDeviceMgmt, Version: 1},
	{ID: knxnet.FamilyTunnelling, Version: 2},
}

func as4(a netip.Addr) [4]byte {
	if a.Is4() || a.Is4In6() {
		return a.Unmap().As4()
	}
	return [4]byte{}
}

// describe builds the DIB set. The basic set holds device info and service
// families only.
func (g *Gateway) describe(extended bool) knxnet.Description {
	id := g.identity
	var status uint8
	if id.ProgrammingMode {
		status |= knxnet.DeviceStatusProgMode
	}
	d := knxnet.Description{
		Device: knxnet.DeviceInfo{
			Medium:       knxnet.MediumTP1,
			Status:       status,
			Address:      id.Address,
			ProjectID:    id.ProjectID,
			Serial:       id.Serial,
			Multicast:    as4(id.Multicast),
			MAC:          id.MAC,
			FriendlyName: id.FriendlyName,
		},
		Families: supportedFamilies,
	}
	if !extended {
		return d
	}

	if id.IP.IsValid() {
		method := knxnet.AssignManual
		if id.DHCP {
			method = knxnet.AssignDHCP
		}
		d.IPConfig = &knxnet.IPConfig{
			IP:           as4(id.IP),
			Mask:         as4(id.Mask),
			Gateway:      as4(id.Gateway),
			Capabilities: method,
			Assignment:   method,
		}
		d.IPCurrent = &knxnet.IPCurrentConfig{
			IP:         as4(id.IP),
			Mask:       as4(id.Mask),
			Gateway:    as4(id.Gateway),
			Assignment: method,
		}
	}

	d.Addresses = append(knxnet.KNXAddresses{id.Address}, g.tunnels.Addresses()...)

	feat := g.tunnels.Features()
	d.Tunnelling = &knxnet.TunnellingInfo{MaxAPDU: feat.MaxAPDU, Slots: g.tunnels.Slots()}
	var medium uint8
	if feat.BusConnected {
		medium = 0x01
	}
	d.Extended = &knxnet.ExtendedDeviceInfo{
		MediumStatus:     medium,
		MaxAPDU:          feat.MaxAPDU,
		DeviceDescriptor: feat.DeviceDescriptor,
	}
	if id.ManufacturerID != 0 {
		d.Manufacturer = &knxnet.ManufacturerData{ID: id.ManufacturerID, Data: id.ManufacturerData}
	}
	return d
}
