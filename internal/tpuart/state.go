package tpuart

import "fmt"

// RxState is the receive-side state of the adapter.
type RxState int

const (
	RxReset RxState = iota
	RxStopped
	RxInit
	RxIdle
	RxReceptionStart
	RxReceptionAddressed
	RxReceptionNotAddressed
	RxReceptionLengthInvalid
)

func (s RxState) String() string {
	switch s {
	case RxReset:
		return "RESET"
	case RxStopped:
		return "STOPPED"
	case RxInit:
		return "INIT"
	case RxIdle:
		return "IDLE"
	case RxReceptionStart:
		return "RECEPTION_START"
	case RxReceptionAddressed:
		return "RECEPTION_ADDRESSED"
	case RxReceptionNotAddressed:
		return "RECEPTION_NOT_ADDRESSED"
	case RxReceptionLengthInvalid:
		return "RECEPTION_LENGTH_INVALID"
	default:
		return fmt.Sprintf("RxState(%d)", int(s))
	}
}

// receiving reports whether a frame is being collected.
func (s RxState) receiving() bool {
	switch s {
	case RxReceptionStart, RxReceptionAddressed, RxReceptionNotAddressed, RxReceptionLengthInvalid:
		return true
	}
	return false
}

type rxEvent int

const (
	rxResetInd rxEvent = iota
	rxInitStarted
	rxInitDone
	rxStartByte
	rxHeaderAddressed
	rxHeaderNotAddressed
	rxLengthInvalid
	rxFrameDone
)

// next returns the state after ev, or ok=false when ev is not legal in s.
func (s RxState) next(ev rxEvent) (RxState, bool) {
	if ev == rxResetInd {
		return RxStopped, true
	}
	switch s {
	case RxReset:
		return s, false
	case RxStopped:
		if ev == rxInitStarted {
			return RxInit, true
		}
	case RxInit:
		if ev == rxInitDone {
			return RxIdle, true
		}
	case RxIdle:
		if ev == rxStartByte {
			return RxReceptionStart, true
		}
	case RxReceptionStart:
		switch ev {
		case rxHeaderAddressed:
			return RxReceptionAddressed, true
		case rxHeaderNotAddressed:
			return RxReceptionNotAddressed, true
		case rxLengthInvalid:
			return RxReceptionLengthInvalid, true
		case rxFrameDone:
			return RxIdle, true
		}
	case RxReceptionAddressed, RxReceptionNotAddressed:
		switch ev {
		case rxLengthInvalid:
			return RxReceptionLengthInvalid, true
		case rxFrameDone:
			return RxIdle, true
		}
	case RxReceptionLengthInvalid:
		if ev == rxFrameDone {
			return RxIdle, true
		}
	}
	return s, false
}

// TxState is the transmit-side state of the adapter.
type TxState int

const (
	TxReset TxState = iota
	TxStopped
	TxInit
	TxIdle
	TxTransmitting
	TxWaitingAck
)

func (s TxState) String() string {
	switch s {
	case TxReset:
		return "RESET"
	case TxStopped:
		return "STOPPED"
	case TxInit:
		return "INIT"
	case TxIdle:
		return "IDLE"
	case TxTransmitting:
		return "TRANSMITTING"
	case TxWaitingAck:
		return "WAITING_ACK"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

type txEvent int

const (
	txResetInd txEvent = iota
	txInitStarted
	txInitDone
	txSend
	txWritten
	txConfirmed
	txTimeout
)

func (s TxState) next(ev txEvent) (TxState, bool) {
	if ev == txResetInd {
		return TxStopped, true
	}
	switch s {
	case TxReset:
		return s, false
	case TxStopped:
		if ev == txInitStarted {
			return TxInit, true
		}
	case TxInit:
		if ev == txInitDone {
			return TxIdle, true
		}
	case TxIdle:
		if ev == txSend {
			return TxTransmitting, true
		}
	case TxTransmitting:
		if ev == txWritten {
			return TxWaitingAck, true
		}
	case TxWaitingAck:
		if ev == txConfirmed || ev == txTimeout {
			return TxIdle, true
		}
	}
	return s, false
}

// Result is the outcome of one transmission.
type Result int

const (
	ResultAck Result = iota
	ResultNack
	ResultTimeout
	ResultReset
)

func (r Result) String() string {
	switch r {
	case ResultAck:
		return "ACK"
	case ResultNack:
		return "NACK"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultReset:
		return "RESET"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}
