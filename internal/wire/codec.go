// Package wire implements the fixed-layout request/response frames
// spoken between the debug agent and the remote client, plus the
// blocking send/recv helpers used by the listener and synchronous
// fallback paths.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
)

// Code identifies a request or response frame.
type Code uint16

// Request/response codes. Values match the legacy PIN tool protocol
// so that a HELLO exchange can detect a v1 client before either side
// commits to the modern frame shape. 15 and 18 are intentionally
// unused (PTT_RESUME_START/PTT_RESUME_BPT in the original protocol,
// retired since version 2).
const (
	ACK            Code = 0
	ERROR          Code = 1
	HELLO          Code = 2
	EXIT_PROCESS   Code = 3
	START_PROCESS  Code = 4
	DEBUG_EVENT    Code = 5
	READ_EVENT     Code = 6
	MEMORY_INFO    Code = 7
	READ_MEMORY    Code = 8
	DETACH         Code = 9
	COUNT_TRACE    Code = 10
	READ_TRACE     Code = 11
	CLEAR_TRACE    Code = 12
	PAUSE          Code = 13
	RESUME         Code = 14
	ADD_BPT        Code = 16
	DEL_BPT        Code = 17
	CAN_READ_REGS  Code = 19
	READ_REGS      Code = 20
	SET_TRACE      Code = 21
	SET_OPTIONS    Code = 22
	STEP           Code = 23
	THREAD_SUSPEND Code = 24
	THREAD_RESUME  Code = 25
)

var codeNames = map[Code]string{
	ACK: "ACK", ERROR: "ERROR", HELLO: "HELLO", EXIT_PROCESS: "EXIT_PROCESS",
	START_PROCESS: "START_PROCESS", DEBUG_EVENT: "DEBUG_EVENT", READ_EVENT: "READ_EVENT",
	MEMORY_INFO: "MEMORY_INFO", READ_MEMORY: "READ_MEMORY", DETACH: "DETACH",
	COUNT_TRACE: "COUNT_TRACE", READ_TRACE: "READ_TRACE", CLEAR_TRACE: "CLEAR_TRACE",
	PAUSE: "PAUSE", RESUME: "RESUME", ADD_BPT: "ADD_BPT", DEL_BPT: "DEL_BPT",
	CAN_READ_REGS: "CAN_READ_REGS", READ_REGS: "READ_REGS", SET_TRACE: "SET_TRACE",
	SET_OPTIONS: "SET_OPTIONS", STEP: "STEP", THREAD_SUSPEND: "THREAD_SUSPEND",
	THREAD_RESUME: "THREAD_RESUME",
}

// String implements fmt.Stringer, used in log messages and in
// UnexpectedCodeError's text; it is never used for wire parsing.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", uint16(c))
}

// ProtocolVersion is the version advertised in a modern HELLO ack's
// size field. There has been no further negotiation since version 2.
const ProtocolVersion = 2

// FrameSize is the byte length of a Frame on the wire.
const FrameSize = 14

// LegacyPrefixSize is the byte length of the fields a v1 client shares
// with the modern frame: code and size. A v1 peer's data field is
// narrower (pointer-width in the original protocol) and is read
// separately once the handshake has identified the peer's version.
const LegacyPrefixSize = 6

// Frame is the fixed request/response envelope: a 2-byte code, a
// 4-byte size (payload length, queued-event count, or similar
// code-specific scalar), and an 8-byte data word (address, thread id,
// or encoded flags, depending on Code).
type Frame struct {
	Code Code
	Size uint32
	Data uint64
}

// Marshal encodes f as FrameSize little-endian bytes.
func (f Frame) Marshal() []byte {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(f.Code))
	binary.LittleEndian.PutUint32(buf[2:6], f.Size)
	binary.LittleEndian.PutUint64(buf[6:14], f.Data)
	return buf
}

// ErrShortFrame is returned when fewer than FrameSize bytes are available.
var ErrShortFrame = errors.New("wire: short frame")

// UnmarshalFrame decodes a FrameSize-byte buffer into a Frame.
func UnmarshalFrame(buf []byte) (Frame, error) {
	if len(buf) < FrameSize {
		return Frame{}, ErrShortFrame
	}
	return Frame{
		Code: Code(binary.LittleEndian.Uint16(buf[0:2])),
		Size: binary.LittleEndian.Uint32(buf[2:6]),
		Data: binary.LittleEndian.Uint64(buf[6:14]),
	}, nil
}

// LegacyPrefix decodes just the code+size fields shared with a v1
// peer, without requiring the full modern frame to be available yet.
func LegacyPrefix(buf []byte) (Code, uint32, error) {
	if len(buf) < LegacyPrefixSize {
		return 0, 0, ErrShortFrame
	}
	return Code(binary.LittleEndian.Uint16(buf[0:2])), binary.LittleEndian.Uint32(buf[2:6]), nil
}

// Conn is the minimal byte-stream interface the codec needs; satisfied
// by *net.TCPConn in production and an in-memory pipe in tests.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// Send writes a frame, looping over partial writes and retrying on
// EINTR. A transport error here is unrecoverable: the caller must
// terminate the agent so the client sees a clean disconnect rather
// than a peer stuck mid-frame (spec.md §7, Transport errors).
func Send(c Conn, f Frame) error {
	return writeAll(c, f.Marshal())
}

// SendRaw writes an arbitrary payload (used for the typed response
// frames in §6.2: event frames, memory chunks, trace batches).
func SendRaw(c Conn, buf []byte) error {
	return writeAll(c, buf)
}

func writeAll(c Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := c.Write(buf)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return fmt.Errorf("wire: send: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}

// Recv reads exactly FrameSize bytes and decodes them, looping over
// partial reads and retrying on EINTR.
func Recv(c Conn) (Frame, error) {
	buf, err := readAll(c, FrameSize)
	if err != nil {
		return Frame{}, err
	}
	return UnmarshalFrame(buf)
}

// RecvN reads exactly n bytes, looping over partial reads and
// retrying on EINTR.
func RecvN(c Conn, n int) ([]byte, error) {
	return readAll(c, n)
}

func readAll(c Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	off := 0
	for off < n {
		read, err := c.Read(buf[off:])
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if err == io.EOF && off == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("wire: recv: %w", err)
		}
		off += read
	}
	return buf, nil
}
