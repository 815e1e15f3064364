package pldm

import "errors"

// Byte 0 of every message carries the request bit (bit 7) and the 5-bit
// instance ID in bits 2-6; bits 0-1 are reserved by the outer protocol and
// opaque here. Byte 1 carries the header version (bits 6-7) and the PLDM type
// (bits 0-5); byte 2 the command code.
const (
	// InstanceIDCount bounds truly concurrent exchanges on one link.
	InstanceIDCount = 32

	// MinMessageLen is the shortest message that still carries an instance ID.
	MinMessageLen = 2

	HeaderLen = 3

	requestFlag   = 0x80
	instanceShift = 2
	instanceMask  = 0x1F
	typeMask      = 0x3F
)

const (
	TypeBase     uint8 = 0x00
	TypePlatform uint8 = 0x02
)

const (
	CmdGetSensorReading        uint8 = 0x11
	CmdGetStateSensorReadings  uint8 = 0x21
	CmdSetNumericEffecterValue uint8 = 0x31
	CmdSetStateEffecterStates  uint8 = 0x39
)

var ErrShortMessage = errors.New("pldm: message shorter than minimum header")

// EncodeRequestHeader builds the three header bytes for an outbound request
// stamped with the given instance ID.
func EncodeRequestHeader(instanceID, pldmType, command uint8) []byte {
	return []byte{
		requestFlag | (instanceID&instanceMask)<<instanceShift,
		pldmType & typeMask,
		command,
	}
}

// InstanceID extracts the correlation tag from a message header.
func InstanceID(msg []byte) (uint8, error) {
	if len(msg) < MinMessageLen {
		return 0, ErrShortMessage
	}
	return (msg[0] >> instanceShift) & instanceMask, nil
}

// IsRequest reports whether the request bit is set in the first header byte.
func IsRequest(msg []byte) (bool, error) {
	if len(msg) < MinMessageLen {
		return false, ErrShortMessage
	}
	return msg[0]&requestFlag != 0, nil
}

// ResponseHeaderFor mirrors a request's instance ID, type, and command into a
// response header. Used by loopback links and device simulators.
func ResponseHeaderFor(request []byte) ([]byte, error) {
	if len(request) < MinMessageLen {
		return nil, ErrShortMessage
	}
	hdr := make([]byte, HeaderLen)
	hdr[0] = request[0] &^ requestFlag
	hdr[1] = request[1]
	if len(request) >= HeaderLen {
		hdr[2] = request[2]
	}
	return hdr, nil
}
