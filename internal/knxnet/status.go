package knxnet

import "fmt"

// Status is a KNXnet/IP error code carried in response bodies.
type Status uint8

const (
	StatusNoError             Status = 0x00
	StatusHostProtocolType    Status = 0x01
	StatusVersionNotSupported Status = 0x02
	StatusSequenceNumber      Status = 0x04
	StatusError               Status = 0x0F
	StatusConnectionID        Status = 0x21
	StatusConnectionType      Status = 0x22
	StatusConnectionOption    Status = 0x23
	StatusNoMoreConnections   Status = 0x24
	StatusDataConnection      Status = 0x26
	StatusKNXConnection       Status = 0x27
	StatusTunnelingLayer      Status = 0x29
)

func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "E_NO_ERROR"
	case StatusHostProtocolType:
		return "E_HOST_PROTOCOL_TYPE"
	case StatusVersionNotSupported:
		return "E_VERSION_NOT_SUPPORTED"
	case StatusSequenceNumber:
		return "E_SEQUENCE_NUMBER"
	case StatusError:
		return "E_ERROR"
	case StatusConnectionID:
		return "E_CONNECTION_ID"
	case StatusConnectionType:
		return "E_CONNECTION_TYPE"
	case StatusConnectionOption:
		return "E_CONNECTION_OPTION"
	case StatusNoMoreConnections:
		return "E_NO_MORE_CONNECTIONS"
	case StatusDataConnection:
		return "E_DATA_CONNECTION"
	case StatusKNXConnection:
		return "E_KNX_CONNECTION"
	case StatusTunnelingLayer:
		return "E_TUNNELING_LAYER"
	default:
		return fmt.Sprintf("status(0x%02X)", uint8(s))
	}
}

// Error lets a Status travel as an error value.
func (s Status) Error() string { return "knxnet: " + s.String() }
