package knxnet

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding/charmap"

	"knx-gateway/internal/telegram"
)

// DescriptionType tags a description information block.
type DescriptionType uint8

const (
	DescriptionDeviceInfo         DescriptionType = 0x01
	DescriptionServiceFamilies    DescriptionType = 0x02
	DescriptionIPConfig           DescriptionType = 0x03
	DescriptionIPCurrentConfig    DescriptionType = 0x04
	DescriptionKNXAddresses       DescriptionType = 0x05
	DescriptionTunnellingInfo     DescriptionType = 0x07
	DescriptionExtendedDeviceInfo DescriptionType = 0x08
	DescriptionManufacturerData   DescriptionType = 0xFE
)

// Medium is the KNX medium code reported in the device info DIB.
type Medium uint8

const (
	MediumTP1 Medium = 0x02
	MediumIP  Medium = 0x20
)

// DeviceStatusProgMode is the programming mode bit of the device status.
const DeviceStatusProgMode uint8 = 0x01

const (
	deviceInfoSize  = 54
	friendlyNameLen = 30
)

// readDIBHeader reads a DIB header and checks it against the expected type.
// It returns the declared length.
func readDIBHeader(r *Reader, want DescriptionType) int {
	length := int(r.Uint8("dib length"))
	typ := DescriptionType(r.Uint8("dib type"))
	if r.Err() != nil {
		return 0
	}
	if typ != want {
		r.Fail(fmt.Errorf("knxnet: expected DIB 0x%02X, got 0x%02X", uint8(want), uint8(typ)))
		return 0
	}
	if length < 2 {
		r.Fail(fmt.Errorf("%w: dib length %d", ErrStructureLength, length))
		return 0
	}
	return length
}

// DeviceInfo is the device hardware DIB.
type DeviceInfo struct {
	Medium       Medium
	Status       uint8
	Address      telegram.IndividualAddr
	ProjectID    uint16
	Serial       [6]byte
	Multicast    [4]byte
	MAC          [6]byte
	FriendlyName string
}

func (DeviceInfo) Size() int { return deviceInfoSize }

// Pack writes the DIB. The friendly name is encoded as ISO 8859-1,
// truncated to 30 bytes and NUL padded; unmappable runes become '?'.
func (d DeviceInfo) Pack(w *Writer) {
	w.Uint8(deviceInfoSize)
	w.Uint8(uint8(DescriptionDeviceInfo))
	w.Uint8(uint8(d.Medium))
	w.Uint8(d.Status)
	w.Uint16(uint16(d.Address))
	w.Uint16(d.ProjectID)
	w.Write(d.Serial[:])
	w.Write(d.Multicast[:])
	w.Write(d.MAC[:])
	w.Write(encodeFriendlyName(d.FriendlyName))
}

func (d *DeviceInfo) Unpack(r *Reader) error {
	length := readDIBHeader(r, DescriptionDeviceInfo)
	if r.Err() == nil && length != deviceInfoSize {
		r.Fail(fmt.Errorf("%w: device info length %d", ErrStructureLength, length))
	}
	d.Medium = Medium(r.Uint8("medium"))
	d.Status = r.Uint8("device status")
	d.Address = telegram.IndividualAddr(r.Uint16("individual address"))
	d.ProjectID = r.Uint16("project id")
	copy(d.Serial[:], r.Bytes(6, "serial"))
	copy(d.Multicast[:], r.Bytes(4, "multicast address"))
	copy(d.MAC[:], r.Bytes(6, "mac"))
	name := r.Bytes(friendlyNameLen, "friendly name")
	if err := r.Err(); err != nil {
		return err
	}
	d.FriendlyName = decodeFriendlyName(name)
	return nil
}

func encodeFriendlyName(s string) []byte {
	out := make([]byte, 0, friendlyNameLen)
	for _, c := range s {
		if len(out) == friendlyNameLen {
			break
		}
		b, ok := charmap.ISO8859_1.EncodeRune(c)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return append(out, make([]byte, friendlyNameLen-len(out))...)
}

func decodeFriendlyName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = charmap.ISO8859_1.DecodeByte(c)
	}
	return string(runes)
}

// ServiceFamilyID names a group of KNXnet/IP services.
type ServiceFamilyID uint8

const (
	FamilyCore       ServiceFamilyID = 0x02
	FamilyDeviceMgmt ServiceFamilyID = 0x03
	FamilyTunnelling ServiceFamilyID = 0x04
	FamilyRouting    ServiceFamilyID = 0x05
)

// ServiceFamily is one entry of the supported service families DIB.
type ServiceFamily struct {
	ID      ServiceFamilyID
	Version uint8
}

// ServiceFamilies is the supported service families DIB.
type ServiceFamilies []ServiceFamily

func (f ServiceFamilies) Size() int { return 2 + 2*len(f) }

func (f ServiceFamilies) Pack(w *Writer) {
	w.Uint8(uint8(f.Size()))
	w.Uint8(uint8(DescriptionServiceFamilies))
	for _, fam := range f {
		w.Uint8(uint8(fam.ID))
		w.Uint8(fam.Version)
	}
}

func (f *ServiceFamilies) Unpack(r *Reader) error {
	length := readDIBHeader(r, DescriptionServiceFamilies)
	body := r.Bytes(length-2, "service families")
	if err := r.Err(); err != nil {
		return err
	}
	*f = (*f)[:0]
	for i := 0; i+1 < len(body); i += 2 {
		*f = append(*f, ServiceFamily{ID: ServiceFamilyID(body[i]), Version: body[i+1]})
	}
	return nil
}

// Supports reports whether the family id is listed.
func (f ServiceFamilies) Supports(id ServiceFamilyID) bool {
	for _, fam := range f {
		if fam.ID == id {
			return true
		}
	}
	return false
}

// IP assignment methods.
const (
	AssignManual uint8 = 0x01
	AssignDHCP   uint8 = 0x04
)

// IPConfig is the configured IP settings DIB.
type IPConfig struct {
	IP           [4]byte
	Mask         [4]byte
	Gateway      [4]byte
	Capabilities uint8
	Assignment   uint8
}

func (IPConfig) Size() int { return 16 }

func (c IPConfig) Pack(w *Writer) {
	w.Uint8(16)
	w.Uint8(uint8(DescriptionIPConfig))
	w.Write(c.IP[:])
	w.Write(c.Mask[:])
	w.Write(c.Gateway[:])
	w.Uint8(c.Capabilities)
	w.Uint8(c.Assignment)
}

func (c *IPConfig) Unpack(r *Reader) error {
	readDIBHeader(r, DescriptionIPConfig)
	copy(c.IP[:], r.Bytes(4, "ip"))
	copy(c.Mask[:], r.Bytes(4, "mask"))
	copy(c.Gateway[:], r.Bytes(4, "gateway"))
	c.Capabilities = r.Uint8("capabilities")
	c.Assignment = r.Uint8("assignment")
	return r.Err()
}

// IPCurrentConfig is the current IP settings DIB.
type IPCurrentConfig struct {
	IP         [4]byte
	Mask       [4]byte
	Gateway    [4]byte
	DHCPServer [4]byte
	Assignment uint8
}

func (IPCurrentConfig) Size() int { return 20 }

func (c IPCurrentConfig) Pack(w *Writer) {
	w.Uint8(20)
	w.Uint8(uint8(DescriptionIPCurrentConfig))
	w.Write(c.IP[:])
	w.Write(c.Mask[:])
	w.Write(c.Gateway[:])
	w.Write(c.DHCPServer[:])
	w.Uint8(c.Assignment)
	w.Uint8(0)
}

func (c *IPCurrentConfig) Unpack(r *Reader) error {
	readDIBHeader(r, DescriptionIPCurrentConfig)
	copy(c.IP[:], r.Bytes(4, "ip"))
	copy(c.Mask[:], r.Bytes(4, "mask"))
	copy(c.Gateway[:], r.Bytes(4, "gateway"))
	copy(c.DHCPServer[:], r.Bytes(4, "dhcp server"))
	c.Assignment = r.Uint8("assignment")
	r.Uint8("reserved")
	return r.Err()
}

// KNXAddresses lists the device address followed by any additional
// individual addresses it answers to.
type KNXAddresses []telegram.IndividualAddr

func (a KNXAddresses) Size() int { return 2 + 2*len(a) }

func (a KNXAddresses) Pack(w *Writer) {
	w.Uint8(uint8(a.Size()))
	w.Uint8(uint8(DescriptionKNXAddresses))
	for _, addr := range a {
		w.Uint16(uint16(addr))
	}
}

func (a *KNXAddresses) Unpack(r *Reader) error {
	length := readDIBHeader(r, DescriptionKNXAddresses)
	n := (length - 2) / 2
	*a = (*a)[:0]
	for i := 0; i < n && r.Err() == nil; i++ {
		*a = append(*a, telegram.IndividualAddr(r.Uint16("knx address")))
	}
	return r.Err()
}

// Tunnelling slot status bits.
const (
	SlotFree       uint16 = 0x0001
	SlotAuthorised uint16 = 0x0002
	SlotUsable     uint16 = 0x0004
)

// TunnelSlot is one tunnelling address and its status.
type TunnelSlot struct {
	Address telegram.IndividualAddr
	Status  uint16
}

// TunnellingInfo describes the tunnelling slots of the server.
type TunnellingInfo struct {
	MaxAPDU uint16
	Slots   []TunnelSlot
}

func (t TunnellingInfo) Size() int { return 4 + 4*len(t.Slots) }

func (t TunnellingInfo) Pack(w *Writer) {
	w.Uint8(uint8(t.Size()))
	w.Uint8(uint8(DescriptionTunnellingInfo))
	w.Uint16(t.MaxAPDU)
	for _, s := range t.Slots {
		w.Uint16(uint16(s.Address))
		w.Uint16(s.Status)
	}
}

func (t *TunnellingInfo) Unpack(r *Reader) error {
	length := readDIBHeader(r, DescriptionTunnellingInfo)
	t.MaxAPDU = r.Uint16("max apdu")
	t.Slots = t.Slots[:0]
	for i := 0; i < (length-4)/4 && r.Err() == nil; i++ {
		t.Slots = append(t.Slots, TunnelSlot{
			Address: telegram.IndividualAddr(r.Uint16("slot address")),
			Status:  r.Uint16("slot status"),
		})
	}
	return r.Err()
}

// ExtendedDeviceInfo is the extended device information DIB.
type ExtendedDeviceInfo struct {
	MediumStatus     uint8
	MaxAPDU          uint16
	DeviceDescriptor uint16
}

func (ExtendedDeviceInfo) Size() int { return 8 }

func (e ExtendedDeviceInfo) Pack(w *Writer) {
	w.Uint8(8)
	w.Uint8(uint8(DescriptionExtendedDeviceInfo))
	w.Uint8(e.MediumStatus)
	w.Uint8(0)
	w.Uint16(e.MaxAPDU)
	w.Uint16(e.DeviceDescriptor)
}

func (e *ExtendedDeviceInfo) Unpack(r *Reader) error {
	readDIBHeader(r, DescriptionExtendedDeviceInfo)
	e.MediumStatus = r.Uint8("medium status")
	r.Uint8("reserved")
	e.MaxAPDU = r.Uint16("max apdu")
	e.DeviceDescriptor = r.Uint16("device descriptor")
	return r.Err()
}

// ManufacturerData carries the manufacturer id and free-form data.
type ManufacturerData struct {
	ID   uint16
	Data []byte
}

func (m ManufacturerData) Size() int { return 4 + len(m.Data) }

func (m ManufacturerData) Pack(w *Writer) {
	w.Uint8(uint8(m.Size()))
	w.Uint8(uint8(DescriptionManufacturerData))
	w.Uint16(m.ID)
	w.Write(m.Data)
}

func (m *ManufacturerData) Unpack(r *Reader) error {
	length := readDIBHeader(r, DescriptionManufacturerData)
	m.ID = r.Uint16("manufacturer id")
	m.Data = r.Bytes(length-4, "manufacturer data")
	return r.Err()
}

// Description bundles the DIBs a server reports about itself. Optional
// blocks are emitted only when set.
type Description struct {
	Device       DeviceInfo
	Families     ServiceFamilies
	IPConfig     *IPConfig
	IPCurrent    *IPCurrentConfig
	Addresses    KNXAddresses
	Tunnelling   *TunnellingInfo
	Extended     *ExtendedDeviceInfo
	Manufacturer *ManufacturerData
}

func (d Description) Size() int {
	n := d.Device.Size() + d.Families.Size()
	if d.IPConfig != nil {
		n += d.IPConfig.Size()
	}
	if d.IPCurrent != nil {
		n += d.IPCurrent.Size()
	}
	if len(d.Addresses) > 0 {
		n += d.Addresses.Size()
	}
	if d.Tunnelling != nil {
		n += d.Tunnelling.Size()
	}
	if d.Extended != nil {
		n += d.Extended.Size()
	}
	if d.Manufacturer != nil {
		n += d.Manufacturer.Size()
	}
	return n
}

func (d Description) Pack(w *Writer) {
	d.Device.Pack(w)
	d.Families.Pack(w)
	if d.IPConfig != nil {
		d.IPConfig.Pack(w)
	}
	if d.IPCurrent != nil {
		d.IPCurrent.Pack(w)
	}
	if len(d.Addresses) > 0 {
		d.Addresses.Pack(w)
	}
	if d.Tunnelling != nil {
		d.Tunnelling.Pack(w)
	}
	if d.Extended != nil {
		d.Extended.Pack(w)
	}
	if d.Manufacturer != nil {
		d.Manufacturer.Pack(w)
	}
}

// Unpack reads the device info and families blocks, then any optional
// blocks until the data runs out. Unknown DIB types are skipped.
func (d *Description) Unpack(r *Reader) error {
	if err := d.Device.Unpack(r); err != nil {
		return err
	}
	if err := d.Families.Unpack(r); err != nil {
		return err
	}
	for r.Remaining() >= 2 {
		rest := r.data[r.off:]
		length, typ := int(rest[0]), DescriptionType(rest[1])
		if length < 2 || length > len(rest) {
			return fmt.Errorf("%w: dib length %d", ErrStructureLength, length)
		}
		var err error
		switch typ {
		case DescriptionIPConfig:
			d.IPConfig = &IPConfig{}
			err = d.IPConfig.Unpack(r)
		case DescriptionIPCurrentConfig:
			d.IPCurrent = &IPCurrentConfig{}
			err = d.IPCurrent.Unpack(r)
		case DescriptionKNXAddresses:
			err = d.Addresses.Unpack(r)
		case DescriptionTunnellingInfo:
			d.Tunnelling = &TunnellingInfo{}
			err = d.Tunnelling.Unpack(r)
		case DescriptionExtendedDeviceInfo:
			d.Extended = &ExtendedDeviceInfo{}
			err = d.Extended.Unpack(r)
		case DescriptionManufacturerData:
			d.Manufacturer = &ManufacturerData{}
			err = d.Manufacturer.Unpack(r)
		default:
			r.Bytes(length, "dib")
			err = r.Err()
		}
		if err != nil {
			return err
		}
	}
	return nil
}
