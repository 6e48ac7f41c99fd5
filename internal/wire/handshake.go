package wire

import "runtime"

// TargetOS identifies the host OS to the remote client, encoded into
// the high bits of the HELLO ack's data word.
type TargetOS uint64

const (
	TargetOSUndef   TargetOS = 0x0000
	TargetOSWindows TargetOS = 0x1000
	TargetOSLinux   TargetOS = 0x2000
	TargetOSMac     TargetOS = 0x4000
)

// CurrentTargetOS maps runtime.GOOS onto the wire's TargetOS tag.
func CurrentTargetOS() TargetOS {
	switch runtime.GOOS {
	case "linux":
		return TargetOSLinux
	case "darwin":
		return TargetOSMac
	case "windows":
		return TargetOSWindows
	default:
		return TargetOSUndef
	}
}

// AddrSize is the width, in bytes, of an address on the wire. The
// agent always speaks the 64-bit layout; a 32-bit client is rejected
// by the version check below, not by address-width negotiation.
const AddrSize = 8

// legacyClientVersion is the size value a v1 HELLO request carries to
// identify itself as speaking the retired, incompatible protocol.
const legacyClientVersion = 1

// HandshakeResult describes the outcome of ServeHandshake.
type HandshakeResult struct {
	// Accepted is false when the peer sent anything but HELLO, or
	// advertised protocol version 1 (in which case the caller must
	// close the connection after Ack has been written).
	Accepted bool
	// RejectedV1 is true when the peer was a legacy client:
	// ServeHandshake has already sent the ACK, and the caller should
	// close the connection.
	RejectedV1 bool
}

// ServeHandshake performs the HELLO exchange described in spec.md
// §4.1. It reads the legacy-shared prefix first so a v1 client's
// shorter frame can be recognized before the modern frame's tail is
// read. Any code other than HELLO is a protocol violation: explicit
// refusal is preferred to silent misbehavior.
func ServeHandshake(c Conn) (HandshakeResult, error) {
	prefixBuf, err := RecvN(c, LegacyPrefixSize)
	if err != nil {
		return HandshakeResult{}, err
	}
	code, size, err := LegacyPrefix(prefixBuf)
	if err != nil {
		return HandshakeResult{}, err
	}
	if code != HELLO {
		return HandshakeResult{}, &UnexpectedCodeError{Want: HELLO, Got: code}
	}

	if size == legacyClientVersion {
		// Incompatible v1 client: reply with an ACK and let the caller
		// close the socket. The reply is the full 14-byte modern frame
		// (code and size sit at the offsets a v1 peer reads them from);
		// no narrower legacy-width frame is produced.
		ack := Frame{Code: ACK, Size: ProtocolVersion, Data: AddrSize}
		if err := Send(c, ack); err != nil {
			return HandshakeResult{}, err
		}
		return HandshakeResult{Accepted: false, RejectedV1: true}, nil
	}

	// Read the remainder of the modern frame: the 8-byte data word,
	// since the legacy prefix only covered code+size.
	tail, err := RecvN(c, FrameSize-LegacyPrefixSize)
	if err != nil {
		return HandshakeResult{}, err
	}
	_ = tail // client's HELLO data carries nothing we need to inspect

	ack := Frame{
		Code: ACK,
		Size: ProtocolVersion,
		Data: AddrSize | uint64(CurrentTargetOS()),
	}
	if err := Send(c, ack); err != nil {
		return HandshakeResult{}, err
	}
	return HandshakeResult{Accepted: true}, nil
}

// UnexpectedCodeError reports a protocol violation where a specific
// code was required but a different one arrived.
type UnexpectedCodeError struct {
	Want Code
	Got  Code
}

func (e *UnexpectedCodeError) Error() string {
	return "wire: expected " + e.Want.String() + ", got " + e.Got.String()
}
