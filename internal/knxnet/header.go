// Package knxnet encodes and decodes KNXnet/IP frames: the common header,
// HPAI/CRI/CRD and DIB structures, the core, tunnelling and device
// management service bodies, and cEMI L_Data messages.
package knxnet

import (
	"errors"
	"fmt"
)

// Protocol constants.
const (
	HeaderSize      = 6
	ProtocolVersion = 0x10
	Port            = 3671
	MulticastGroup  = "224.0.23.12"
	// MaxFrameSize is the largest frame the gateway accepts.
	MaxFrameSize = 508
)

// Header errors wrap the Status sent back to the peer.
var (
	ErrHeaderSize      = fmt.Errorf("knxnet: invalid header size: %w", StatusError)
	ErrVersion         = fmt.Errorf("knxnet: unsupported protocol version: %w", StatusVersionNotSupported)
	ErrFrameLength     = fmt.Errorf("knxnet: total length mismatch: %w", StatusError)
	ErrHostProtocol    = fmt.Errorf("knxnet: unsupported host protocol: %w", StatusHostProtocolType)
	ErrUnknownService  = errors.New("knxnet: unknown service")
	ErrStructureLength = errors.New("knxnet: invalid structure length")
)

// StatusOf maps an error to the status code reported to the peer.
func StatusOf(err error) Status {
	if err == nil {
		return StatusNoError
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusError
}

// ServiceID identifies the body carried by a frame.
type ServiceID uint16

const (
	ServiceSearchRequest           ServiceID = 0x0201
	ServiceSearchResponse          ServiceID = 0x0202
	ServiceDescriptionRequest      ServiceID = 0x0203
	ServiceDescriptionResponse     ServiceID = 0x0204
	ServiceConnectRequest          ServiceID = 0x0205
	ServiceConnectResponse         ServiceID = 0x0206
	ServiceConnectionStateRequest  ServiceID = 0x0207
	ServiceConnectionStateResponse ServiceID = 0x0208
	ServiceDisconnectRequest       ServiceID = 0x0209
	ServiceDisconnectResponse      ServiceID = 0x020A
	ServiceSearchRequestExt        ServiceID = 0x020B
	ServiceSearchResponseExt       ServiceID = 0x020C
	ServiceDeviceConfigRequest     ServiceID = 0x0310
	ServiceDeviceConfigAck         ServiceID = 0x0311
	ServiceTunnelRequest           ServiceID = 0x0420
	ServiceTunnelAck               ServiceID = 0x0421
	ServiceFeatureGet              ServiceID = 0x0422
	ServiceFeatureResponse         ServiceID = 0x0423
	ServiceFeatureSet              ServiceID = 0x0424
	ServiceFeatureInfo             ServiceID = 0x0425
	ServiceRoutingIndication       ServiceID = 0x0530
	ServiceRoutingLost             ServiceID = 0x0531
	ServiceRoutingBusy             ServiceID = 0x0532
)

var serviceNames = map[ServiceID]string{
	ServiceSearchRequest:           "SEARCH_REQUEST",
	ServiceSearchResponse:          "SEARCH_RESPONSE",
	ServiceDescriptionRequest:      "DESCRIPTION_REQUEST",
	ServiceDescriptionResponse:     "DESCRIPTION_RESPONSE",
	ServiceConnectRequest:          "CONNECT_REQUEST",
	ServiceConnectResponse:         "CONNECT_RESPONSE",
	ServiceConnectionStateRequest:  "CONNECTIONSTATE_REQUEST",
	ServiceConnectionStateResponse: "CONNECTIONSTATE_RESPONSE",
	ServiceDisconnectRequest:       "DISCONNECT_REQUEST",
	ServiceDisconnectResponse:      "DISCONNECT_RESPONSE",
	ServiceSearchRequestExt:        "SEARCH_REQUEST_EXTENDED",
	ServiceSearchResponseExt:       "SEARCH_RESPONSE_EXTENDED",
	ServiceDeviceConfigRequest:     "DEVICE_CONFIGURATION_REQUEST",
	ServiceDeviceConfigAck:         "DEVICE_CONFIGURATION_ACK",
	ServiceTunnelRequest:           "TUNNELLING_REQUEST",
	ServiceTunnelAck:               "TUNNELLING_ACK",
	ServiceFeatureGet:              "TUNNELLING_FEATURE_GET",
	ServiceFeatureResponse:         "TUNNELLING_FEATURE_RESPONSE",
	ServiceFeatureSet:              "TUNNELLING_FEATURE_SET",
	ServiceFeatureInfo:             "TUNNELLING_FEATURE_INFO",
	ServiceRoutingIndication:       "ROUTING_INDICATION",
	ServiceRoutingLost:             "ROUTING_LOST_MESSAGE",
	ServiceRoutingBusy:             "ROUTING_BUSY",
}

func (id ServiceID) String() string {
	if name, ok := serviceNames[id]; ok {
		return name
	}
	return fmt.Sprintf("service(0x%04X)", uint16(id))
}

// Header is the fixed 6-byte frame header.
type Header struct {
	Service     ServiceID
	TotalLength uint16
}

// Pack writes the header.
func (h Header) Pack(w *Writer) {
	w.Uint8(HeaderSize)
	w.Uint8(ProtocolVersion)
	w.Uint16(uint16(h.Service))
	w.Uint16(h.TotalLength)
}

// DecodeHeader validates the header fields before anything else in the
// frame is looked at.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize || b[0] != HeaderSize {
		return Header{}, ErrHeaderSize
	}
	r := NewReader(b[2:HeaderSize])
	h := Header{
		Service:     ServiceID(r.Uint16("service type")),
		TotalLength: r.Uint16("total length"),
	}
	if b[1] != ProtocolVersion {
		return h, ErrVersion
	}
	return h, nil
}

// Service is a frame body.
type Service interface {
	Service() ServiceID
	Size() int
	Pack(w *Writer)
}

// Encode serializes a service with its header.
func Encode(s Service) []byte {
	total := HeaderSize + s.Size()
	w := NewWriter(total)
	Header{Service: s.Service(), TotalLength: uint16(total)}.Pack(w)
	s.Pack(w)
	return w.Bytes()
}

// Decode parses one complete frame. For a frame whose header is valid but
// whose service is not handled, the header is returned together with an
// error wrapping ErrUnknownService.
func Decode(b []byte) (Header, Service, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return h, nil, err
	}
	if int(h.TotalLength) != len(b) {
		return h, nil, fmt.Errorf("%w: header says %d, got %d", ErrFrameLength, h.TotalLength, len(b))
	}

	var s interface {
		Service
		Unpack(r *Reader) error
	}
	switch h.Service {
	case ServiceSearchRequest:
		s = &SearchRequest{}
	case ServiceSearchRequestExt:
		s = &SearchRequestExt{}
	case ServiceSearchResponse:
		s = &SearchResponse{}
	case ServiceSearchResponseExt:
		s = &SearchResponse{Extended: true}
	case ServiceDescriptionRequest:
		s = &DescriptionRequest{}
	case ServiceDescriptionResponse:
		s = &DescriptionResponse{}
	case ServiceConnectRequest:
		s = &ConnectRequest{}
	case ServiceConnectResponse:
		s = &ConnectResponse{}
	case ServiceConnectionStateRequest:
		s = &ConnectionStateRequest{}
	case ServiceConnectionStateResponse:
		s = &ConnectionStateResponse{}
	case ServiceDisconnectRequest:
		s = &DisconnectRequest{}
	case ServiceDisconnectResponse:
		s = &DisconnectResponse{}
	case ServiceTunnelRequest:
		s = &TunnelRequest{}
	case ServiceTunnelAck:
		s = &TunnelAck{}
	case ServiceDeviceConfigRequest:
		s = &DeviceConfigRequest{}
	case ServiceDeviceConfigAck:
		s = &DeviceConfigAck{}
	case ServiceFeatureGet:
		s = &FeatureGet{}
	case ServiceFeatureSet:
		s = &FeatureSet{}
	case ServiceFeatureResponse:
		s = &FeatureResponse{}
	case ServiceFeatureInfo:
		s = &FeatureInfo{}
	case ServiceRoutingIndication:
		s = &RoutingIndication{}
	default:
		return h, nil, fmt.Errorf("%w: %s", ErrUnknownService, h.Service)
	}

	r := NewReader(b[HeaderSize:])
	if err := s.Unpack(r); err != nil {
		return h, nil, fmt.Errorf("knxnet: decode %s: %w", h.Service, err)
	}
	return h, s, nil
}
