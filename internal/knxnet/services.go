package knxnet

import "fmt"

// SearchRequest asks servers to announce themselves to Discovery.
type SearchRequest struct {
	Discovery HPAI
}

func (SearchRequest) Service() ServiceID         { return ServiceSearchRequest }
func (r SearchRequest) Size() int                { return r.Discovery.Size() }
func (r SearchRequest) Pack(w *Writer)           { r.Discovery.Pack(w) }
func (r *SearchRequest) Unpack(rd *Reader) error { return r.Discovery.Unpack(rd) }

// SearchRequestExt is the extended search. Search request parameter blocks
// are kept raw; the gateway answers every extended search.
type SearchRequestExt struct {
	Discovery HPAI
	Params    []byte
}

func (SearchRequestExt) Service() ServiceID { return ServiceSearchRequestExt }
func (r SearchRequestExt) Size() int        { return r.Discovery.Size() + len(r.Params) }

func (r SearchRequestExt) Pack(w *Writer) {
	r.Discovery.Pack(w)
	w.Write(r.Params)
}

func (r *SearchRequestExt) Unpack(rd *Reader) error {
	if err := r.Discovery.Unpack(rd); err != nil {
		return err
	}
	r.Params = rd.Rest()
	return rd.Err()
}

// SearchResponse answers a search with the control endpoint and the device
// description. Extended selects SEARCH_RESPONSE_EXTENDED.
type SearchResponse struct {
	Extended    bool
	Control     HPAI
	Description Description
}

func (r SearchResponse) Service() ServiceID {
	if r.Extended {
		return ServiceSearchResponseExt
	}
	return ServiceSearchResponse
}

func (r SearchResponse) Size() int { return r.Control.Size() + r.Description.Size() }

func (r SearchResponse) Pack(w *Writer) {
	r.Control.Pack(w)
	r.Description.Pack(w)
}

func (r *SearchResponse) Unpack(rd *Reader) error {
	if err := r.Control.Unpack(rd); err != nil {
		return err
	}
	return r.Description.Unpack(rd)
}

// DescriptionRequest asks one server for its description.
type DescriptionRequest struct {
	Control HPAI
}

func (DescriptionRequest) Service() ServiceID         { return ServiceDescriptionRequest }
func (r DescriptionRequest) Size() int                { return r.Control.Size() }
func (r DescriptionRequest) Pack(w *Writer)           { r.Control.Pack(w) }
func (r *DescriptionRequest) Unpack(rd *Reader) error { return r.Control.Unpack(rd) }

// DescriptionResponse carries the device description.
type DescriptionResponse struct {
	Description Description
}

func (DescriptionResponse) Service() ServiceID         { return ServiceDescriptionResponse }
func (r DescriptionResponse) Size() int                { return r.Description.Size() }
func (r DescriptionResponse) Pack(w *Writer)           { r.Description.Pack(w) }
func (r *DescriptionResponse) Unpack(rd *Reader) error { return r.Description.Unpack(rd) }

// ConnectRequest opens a connection.
type ConnectRequest struct {
	Control HPAI
	Data    HPAI
	CRI     CRI
}

func (ConnectRequest) Service() ServiceID { return ServiceConnectRequest }

func (r ConnectRequest) Size() int {
	return r.Control.Size() + r.Data.Size() + r.CRI.Size()
}

func (r ConnectRequest) Pack(w *Writer) {
	r.Control.Pack(w)
	r.Data.Pack(w)
	r.CRI.Pack(w)
}

func (r *ConnectRequest) Unpack(rd *Reader) error {
	if err := r.Control.Unpack(rd); err != nil {
		return err
	}
	if err := r.Data.Unpack(rd); err != nil {
		return err
	}
	return r.CRI.Unpack(rd)
}

// ConnectResponse answers a ConnectRequest. A response with a status other
// than StatusNoError carries only the channel and status.
type ConnectResponse struct {
	Channel uint8
	Status  Status
	Data    HPAI
	CRD     CRD
}

func (ConnectResponse) Service() ServiceID { return ServiceConnectResponse }

func (r ConnectResponse) Size() int {
	if r.Status != StatusNoError {
		return 2
	}
	return 2 + r.Data.Size() + r.CRD.Size()
}

func (r ConnectResponse) Pack(w *Writer) {
	w.Uint8(r.Channel)
	w.Uint8(uint8(r.Status))
	if r.Status != StatusNoError {
		return
	}
	r.Data.Pack(w)
	r.CRD.Pack(w)
}

func (r *ConnectResponse) Unpack(rd *Reader) error {
	r.Channel = rd.Uint8("channel")
	r.Status = Status(rd.Uint8("status"))
	if rd.Err() != nil || r.Status != StatusNoError {
		return rd.Err()
	}
	if err := r.Data.Unpack(rd); err != nil {
		return err
	}
	return r.CRD.Unpack(rd)
}

// channelRequest is the body shared by CONNECTIONSTATE_REQUEST and
// DISCONNECT_REQUEST.
type channelRequest struct {
	Channel uint8
	Control HPAI
}

func (r channelRequest) Size() int { return 2 + r.Control.Size() }

func (r channelRequest) Pack(w *Writer) {
	w.Uint8(r.Channel)
	w.Uint8(0)
	r.Control.Pack(w)
}

func (r *channelRequest) Unpack(rd *Reader) error {
	r.Channel = rd.Uint8("channel")
	rd.Uint8("reserved")
	if err := rd.Err(); err != nil {
		return err
	}
	return r.Control.Unpack(rd)
}

// channelResponse is the body shared by CONNECTIONSTATE_RESPONSE and
// DISCONNECT_RESPONSE.
type channelResponse struct {
	Channel uint8
	Status  Status
}

func (channelResponse) Size() int { return 2 }

func (r channelResponse) Pack(w *Writer) {
	w.Uint8(r.Channel)
	w.Uint8(uint8(r.Status))
}

func (r *channelResponse) Unpack(rd *Reader) error {
	r.Channel = rd.Uint8("channel")
	r.Status = Status(rd.Uint8("status"))
	return rd.Err()
}

// ConnectionStateRequest is a heartbeat for a channel.
type ConnectionStateRequest struct{ channelRequest }

func (ConnectionStateRequest) Service() ServiceID { return ServiceConnectionStateRequest }

// NewConnectionStateRequest returns a heartbeat for channel.
func NewConnectionStateRequest(channel uint8, control HPAI) *ConnectionStateRequest {
	return &ConnectionStateRequest{channelRequest{Channel: channel, Control: control}}
}

// ConnectionStateResponse answers a heartbeat.
type ConnectionStateResponse struct{ channelResponse }

func (ConnectionStateResponse) Service() ServiceID { return ServiceConnectionStateResponse }

// NewConnectionStateResponse returns a heartbeat answer.
func NewConnectionStateResponse(channel uint8, status Status) *ConnectionStateResponse {
	return &ConnectionStateResponse{channelResponse{Channel: channel, Status: status}}
}

// DisconnectRequest closes a channel.
type DisconnectRequest struct{ channelRequest }

func (DisconnectRequest) Service() ServiceID { return ServiceDisconnectRequest }

// NewDisconnectRequest returns a request closing channel.
func NewDisconnectRequest(channel uint8, control HPAI) *DisconnectRequest {
	return &DisconnectRequest{channelRequest{Channel: channel, Control: control}}
}

// DisconnectResponse confirms a DisconnectRequest.
type DisconnectResponse struct{ channelResponse }

func (DisconnectResponse) Service() ServiceID { return ServiceDisconnectResponse }

// NewDisconnectResponse returns a disconnect confirmation.
func NewDisconnectResponse(channel uint8, status Status) *DisconnectResponse {
	return &DisconnectResponse{channelResponse{Channel: channel, Status: status}}
}

const connHeaderSize = 4

// ConnHeader is the connection header of tunnelling and device management
// frames. Status is reserved (zero) in requests.
type ConnHeader struct {
	Channel uint8
	Seq     uint8
	Status  Status
}

func (ConnHeader) Size() int { return connHeaderSize }

func (h ConnHeader) Pack(w *Writer) {
	w.Uint8(connHeaderSize)
	w.Uint8(h.Channel)
	w.Uint8(h.Seq)
	w.Uint8(uint8(h.Status))
}

func (h *ConnHeader) Unpack(r *Reader) error {
	length := r.Uint8("connection header length")
	h.Channel = r.Uint8("channel")
	h.Seq = r.Uint8("sequence counter")
	h.Status = Status(r.Uint8("status"))
	if err := r.Err(); err != nil {
		return err
	}
	if length != connHeaderSize {
		return fmt.Errorf("%w: connection header length %d", ErrStructureLength, length)
	}
	return nil
}

// TunnelRequest carries one cEMI frame over a tunnelling channel.
type TunnelRequest struct {
	ConnHeader
	CEMI []byte
}

func (TunnelRequest) Service() ServiceID { return ServiceTunnelRequest }
func (r TunnelRequest) Size() int        { return connHeaderSize + len(r.CEMI) }

func (r TunnelRequest) Pack(w *Writer) {
	r.ConnHeader.Pack(w)
	w.Write(r.CEMI)
}

func (r *TunnelRequest) Unpack(rd *Reader) error {
	if err := r.ConnHeader.Unpack(rd); err != nil {
		return err
	}
	r.CEMI = rd.Rest()
	return rd.Err()
}

// TunnelAck acknowledges a TunnelRequest; it is the bare connection header.
type TunnelAck struct{ ConnHeader }

func (TunnelAck) Service() ServiceID { return ServiceTunnelAck }

// DeviceConfigRequest carries one cEMI management frame over a device
// management channel.
type DeviceConfigRequest struct {
	ConnHeader
	CEMI []byte
}

func (DeviceConfigRequest) Service() ServiceID { return ServiceDeviceConfigRequest }
func (r DeviceConfigRequest) Size() int        { return connHeaderSize + len(r.CEMI) }

func (r DeviceConfigRequest) Pack(w *Writer) {
	r.ConnHeader.Pack(w)
	w.Write(r.CEMI)
}

func (r *DeviceConfigRequest) Unpack(rd *Reader) error {
	if err := r.ConnHeader.Unpack(rd); err != nil {
		return err
	}
	r.CEMI = rd.Rest()
	return rd.Err()
}

// DeviceConfigAck acknowledges a DeviceConfigRequest.
type DeviceConfigAck struct{ ConnHeader }

func (DeviceConfigAck) Service() ServiceID { return ServiceDeviceConfigAck }

// FeatureID identifies an interface feature of a tunnelling connection.
type FeatureID uint8

const (
	FeatureSupportedEMIType      FeatureID = 0x01
	FeatureDeviceDescriptorType0 FeatureID = 0x02
	FeatureBusConnectionStatus   FeatureID = 0x03
	FeatureManufacturerCode      FeatureID = 0x04
	FeatureActiveEMIType         FeatureID = 0x05
	FeatureIndividualAddress     FeatureID = 0x06
	FeatureMaxAPDULength         FeatureID = 0x07
	FeatureInfoServiceEnable     FeatureID = 0x08
)

var featureNames = map[FeatureID]string{
	FeatureSupportedEMIType:      "supported_emi_type",
	FeatureDeviceDescriptorType0: "device_descriptor_type_0",
	FeatureBusConnectionStatus:   "bus_connection_status",
	FeatureManufacturerCode:      "manufacturer_code",
	FeatureActiveEMIType:         "active_emi_type",
	FeatureIndividualAddress:     "individual_address",
	FeatureMaxAPDULength:         "max_apdu_length",
	FeatureInfoServiceEnable:     "info_service_enable",
}

func (f FeatureID) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("feature(0x%02X)", uint8(f))
}

// Feature return codes carried in TUNNELLING_FEATURE_RESPONSE.
const (
	FeatureReturnSuccess     uint8 = 0x00
	FeatureReturnUnsupported uint8 = 0x01
)

// featureBody is connection header, feature id, a status or reserved byte
// and the value. GET carries no value.
type featureBody struct {
	ConnHeader
	Feature FeatureID
	Return  uint8
	Value   []byte
}

func (b featureBody) Size() int { return connHeaderSize + 2 + len(b.Value) }

func (b featureBody) Pack(w *Writer) {
	b.ConnHeader.Pack(w)
	w.Uint8(uint8(b.Feature))
	w.Uint8(b.Return)
	w.Write(b.Value)
}

func (b *featureBody) Unpack(rd *Reader) error {
	if err := b.ConnHeader.Unpack(rd); err != nil {
		return err
	}
	b.Feature = FeatureID(rd.Uint8("feature id"))
	b.Return = rd.Uint8("feature status")
	b.Value = rd.Rest()
	return rd.Err()
}

// FeatureGet reads a feature.
type FeatureGet struct{ featureBody }

func (FeatureGet) Service() ServiceID { return ServiceFeatureGet }

// NewFeatureGet returns a read request for feature.
func NewFeatureGet(h ConnHeader, feature FeatureID) *FeatureGet {
	return &FeatureGet{featureBody{ConnHeader: h, Feature: feature}}
}

// FeatureSet writes a feature.
type FeatureSet struct{ featureBody }

func (FeatureSet) Service() ServiceID { return ServiceFeatureSet }

// NewFeatureSet returns a write request for feature.
func NewFeatureSet(h ConnHeader, feature FeatureID, value []byte) *FeatureSet {
	return &FeatureSet{featureBody{ConnHeader: h, Feature: feature, Value: value}}
}

// FeatureResponse answers a get or set with the current value.
type FeatureResponse struct{ featureBody }

func (FeatureResponse) Service() ServiceID { return ServiceFeatureResponse }

// NewFeatureResponse returns a response for feature.
func NewFeatureResponse(h ConnHeader, feature FeatureID, ret uint8, value []byte) *FeatureResponse {
	return &FeatureResponse{featureBody{ConnHeader: h, Feature: feature, Return: ret, Value: value}}
}

// FeatureInfo is sent unsolicited when a feature changes.
type FeatureInfo struct{ featureBody }

func (FeatureInfo) Service() ServiceID { return ServiceFeatureInfo }

// NewFeatureInfo returns a change notification for feature.
func NewFeatureInfo(h ConnHeader, feature FeatureID, value []byte) *FeatureInfo {
	return &FeatureInfo{featureBody{ConnHeader: h, Feature: feature, Value: value}}
}

// RoutingIndication carries a cEMI frame over multicast.
type RoutingIndication struct {
	CEMI []byte
}

func (RoutingIndication) Service() ServiceID { return ServiceRoutingIndication }
func (r RoutingIndication) Size() int        { return len(r.CEMI) }
func (r RoutingIndication) Pack(w *Writer)   { w.Write(r.CEMI) }

func (r *RoutingIndication) Unpack(rd *Reader) error {
	r.CEMI = rd.Rest()
	return rd.Err()
}
