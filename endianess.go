package congestion

import (
	"encoding/binary"
	"unsafe"
)

// SystemEndianess probes the byte order of the host at runtime. The
// wire contract is host-endian: the kernel producers emit native
// C structs, so the consuming side must decode with whatever order
// the host uses.
func systemEndianess() binary.ByteOrder {
	test := uint16(0xF00D)
	testByte := *((*byte)(unsafe.Pointer(&test)))

	if testByte == 0xF0 {
		return binary.BigEndian
	}

	return binary.LittleEndian
}
