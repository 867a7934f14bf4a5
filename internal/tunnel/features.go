package tunnel

import (
	"encoding/binary"
	"errors"

	"knx-gateway/internal/knxnet"
)

// Feature errors. Both are answered with FeatureReturnUnsupported.
var (
	ErrFeatureUnknown  = errors.New("tunnel: unknown feature")
	ErrFeatureReadOnly = errors.New("tunnel: feature is read-only")
	ErrFeatureValue    = errors.New("tunnel: invalid feature value")
)

// EMI type codes.
const (
	SupportedEMICEMI uint16 = 0x0004
	ActiveEMICEMI    uint8  = 0x03
)

// Features is the interface feature block shared by all tunnelling
// channels.
type Features struct {
	SupportedEMI      uint16 `json:"supported_emi_type"`
	DeviceDescriptor  uint16 `json:"device_descriptor_type_0"`
	BusConnected      bool   `json:"bus_connection_status"`
	ManufacturerCode  uint16 `json:"manufacturer_code"`
	ActiveEMI         uint8  `json:"active_emi_type"`
	MaxAPDU           uint16 `json:"max_apdu_length"`
	InfoServiceEnable bool   `json:"info_service_enable"`
}

// DefaultFeatures returns the feature block of a TP1 cEMI interface.
func DefaultFeatures() Features {
	return Features{
		SupportedEMI:     SupportedEMICEMI,
		DeviceDescriptor: 0x07B0,
		BusConnected:     true,
		ManufacturerCode: 0x0083,
		ActiveEMI:        ActiveEMICEMI,
		MaxAPDU:          15,
	}
}

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }

func boolByte(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// value encodes one feature. Booleans and enums take one byte, everything
// else two. The individual address is per channel.
func (f Features) value(id knxnet.FeatureID, addr uint16) ([]byte, error) {
	switch id {
	case knxnet.FeatureSupportedEMIType:
		return u16(f.SupportedEMI), nil
	case knxnet.FeatureDeviceDescriptorType0:
		return u16(f.DeviceDescriptor), nil
	case knxnet.FeatureBusConnectionStatus:
		return boolByte(f.BusConnected), nil
	case knxnet.FeatureManufacturerCode:
		return u16(f.ManufacturerCode), nil
	case knxnet.FeatureActiveEMIType:
		return []byte{f.ActiveEMI}, nil
	case knxnet.FeatureIndividualAddress:
		return u16(addr), nil
	case knxnet.FeatureMaxAPDULength:
		return u16(f.MaxAPDU), nil
	case knxnet.FeatureInfoServiceEnable:
		return boolByte(f.InfoServiceEnable), nil
	default:
		return nil, ErrFeatureUnknown
	}
}

// set applies a write. Only the active EMI type and the info service flag
// are writable, and only cEMI is accepted as EMI type.
func (f *Features) set(id knxnet.FeatureID, v []byte) error {
	switch id {
	case knxnet.FeatureActiveEMIType:
		if len(v) != 1 || v[0] != ActiveEMICEMI {
			return ErrFeatureValue
		}
		f.ActiveEMI = v[0]
	case knxnet.FeatureInfoServiceEnable:
		if len(v) != 1 || v[0] > 1 {
			return ErrFeatureValue
		}
		f.InfoServiceEnable = v[0] == 1
	case knxnet.FeatureSupportedEMIType, knxnet.FeatureDeviceDescriptorType0,
		knxnet.FeatureBusConnectionStatus, knxnet.FeatureManufacturerCode,
		knxnet.FeatureIndividualAddress, knxnet.FeatureMaxAPDULength:
		return ErrFeatureReadOnly
	default:
		return ErrFeatureUnknown
	}
	return nil
}
