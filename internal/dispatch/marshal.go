package dispatch

import (
	"encoding/binary"

	"github.com/ehrlich-b/idadbg/internal/event"
	"github.com/ehrlich-b/idadbg/internal/host"
	"github.com/ehrlich-b/idadbg/internal/instrument"
	"github.com/ehrlich-b/idadbg/internal/threads"
)

const maxStr = 256

func putString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

// marshalEvent encodes a DebugEvent as the fixed record described in
// spec.md §6.2: common fields, then the tag-specific payload in a
// fixed-width slot sized for the largest variant (the module-info /
// exception info string).
func marshalEvent(ev event.DebugEvent) []byte {
	const headerSize = 4 + 4 + 8 + 8 + 1 // tag, pid, tid, ea, handled
	const payloadSize = maxStr + 8 + 4 + 8
	buf := make([]byte, headerSize+payloadSize)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(ev.Tag))
	binary.LittleEndian.PutUint32(buf[4:8], ev.PID)
	binary.LittleEndian.PutUint64(buf[8:16], ev.TID)
	binary.LittleEndian.PutUint64(buf[16:24], ev.EA)
	if ev.Handled {
		buf[24] = 1
	}

	p := buf[headerSize:]
	switch ev.Tag {
	case event.ProcessStart, event.ProcessAttach, event.LibraryLoad:
		putString(p[0:maxStr], ev.Module.Name)
		binary.LittleEndian.PutUint64(p[maxStr:maxStr+8], ev.Module.Base)
		binary.LittleEndian.PutUint32(p[maxStr+8:maxStr+12], ev.Module.Size)
		binary.LittleEndian.PutUint64(p[maxStr+12:maxStr+20], ev.Module.RebaseTo)
	case event.ProcessExit, event.ThreadExit:
		binary.LittleEndian.PutUint32(p[0:4], uint32(ev.ExitCode))
	case event.LibraryUnload, event.Information:
		putString(p[0:maxStr], ev.Info)
	case event.Breakpoint:
		binary.LittleEndian.PutUint64(p[0:8], ev.Bpt.HitEA)
		binary.LittleEndian.PutUint64(p[8:16], ev.Bpt.KernelEA)
	case event.Exception:
		binary.LittleEndian.PutUint32(p[0:4], ev.Exception.Code)
		if ev.Exception.CanCont {
			p[4] = 1
		}
		binary.LittleEndian.PutUint64(p[8:16], ev.Exception.EA)
		putString(p[16:16+maxStr], ev.Exception.Info)
	}
	return buf
}

// marshalImageInfo encodes a host.ImageInfo as a MEMORY_INFO segment
// descriptor.
func marshalImageInfo(img host.ImageInfo) []byte {
	buf := make([]byte, maxStr+8+4+8)
	putString(buf[0:maxStr], img.Name)
	binary.LittleEndian.PutUint64(buf[maxStr:maxStr+8], img.Base)
	binary.LittleEndian.PutUint32(buf[maxStr+8:maxStr+12], img.Size)
	binary.LittleEndian.PutUint64(buf[maxStr+12:maxStr+20], img.RebaseTo)
	return buf
}

// marshalTraceEntry encodes one instrument.TraceEntry.
func marshalTraceEntry(e instrument.TraceEntry) []byte {
	buf := make([]byte, 8+8+4)
	binary.LittleEndian.PutUint64(buf[0:8], e.ExternalTID)
	binary.LittleEndian.PutUint64(buf[8:16], e.EA)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.Kind))
	return buf
}

// marshalRegisters encodes the wire's fixed register layout from
// spec.md §4.3.
func marshalRegisters(r threads.RegisterSet) []byte {
	buf := make([]byte, 8*10+4*6+8*9)
	off := 0
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[off:off+4], v)
		off += 4
	}
	put64(r.EAX)
	put64(r.EBX)
	put64(r.ECX)
	put64(r.EDX)
	put64(r.ESI)
	put64(r.EDI)
	put64(r.EBP)
	put64(r.ESP)
	put64(r.EIP)
	put64(r.EFlags)
	put32(r.CS)
	put32(r.DS)
	put32(r.ES)
	put32(r.FS)
	put32(r.GS)
	put32(r.SS)
	put64(r.R8)
	put64(r.R9)
	put64(r.R10)
	put64(r.R11)
	put64(r.R12)
	put64(r.R13)
	put64(r.R14)
	put64(r.R15)
	put64(r.RFlags64)
	return buf
}
