package congestion

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Event type discriminators. The values must match those in
// bpf/congestion.h.
//
// Value 5 (softirq entry) is reserved: entry is kernel-internal timer
// bookkeeping and never appears on the wire.
const (
	eventUDPSend     uint32 = 1
	eventTCPSend     uint32 = 2
	eventDrop        uint32 = 3
	eventSocketState uint32 = 4
	eventSoftirqExit uint32 = 6
)

// Wire layout of a congestion event: a 16-byte header followed by a
// 24-byte payload union, 40 bytes total, host endian. The layout is a
// binary compatibility contract with the struct in the BPF C and must
// not drift.
const (
	rawEventSize  = 40
	payloadOffset = 16
	cpuIDOffset   = 12
)

// RawEventHeader is the fixed leading portion of every event record.
type rawEventHeader struct {
	TimestampNS uint64
	EventType   uint32
	CPUID       uint32
}

// SendPayload is carried by eventUDPSend and eventTCPSend records.
// The blank field is the C compiler's alignment padding before the
// 8-byte socket id.
type sendPayload struct {
	Bytes    uint64
	IsTCP    uint32
	_        [4]byte
	SocketID uint64
}

// DropPayload is carried by eventDrop records. Dropped is always 1
// per record; the backlog fields are reserved and zero in the current
// producers.
type dropPayload struct {
	Dropped        uint32
	BacklogBytes   uint32
	BacklogPackets uint32
}

// SocketPayload is carried by eventSocketState records.
type socketPayload struct {
	WmemQueued uint32
	Sndbuf     uint32
	SocketID   uint64
}

// SoftirqPayload is carried by eventSoftirqExit records.
type softirqPayload struct {
	VecNR      uint32
	_          [4]byte
	DurationNS uint64
}

// RawEvent is an event received from the kernel via the BPF perf
// buffer, after the payload union has been resolved against the
// event_type discriminator. Only the payload selected by EventType is
// populated; the others are zero.
type rawEvent struct {
	rawEventHeader

	send    sendPayload
	drop    dropPayload
	socket  socketPayload
	softirq softirqPayload
}

// Marshal serialises the event into its wire form. It is the inverse
// of the deserialiser and is used by the simulated runner (and tests)
// to produce records indistinguishable from kernel ones.
func (ev *rawEvent) marshal(endianess binary.ByteOrder) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, rawEventSize))

	if err := binary.Write(buf, endianess, ev.rawEventHeader); err != nil {
		return nil, fmt.Errorf("encoding event header: %w", err)
	}

	var err error
	switch ev.EventType {
	case eventUDPSend, eventTCPSend:
		err = binary.Write(buf, endianess, ev.send)
	case eventDrop:
		err = binary.Write(buf, endianess, ev.drop)
	case eventSocketState:
		err = binary.Write(buf, endianess, ev.socket)
	case eventSoftirqExit:
		err = binary.Write(buf, endianess, ev.softirq)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding event payload: %w", err)
	}

	// Pad short payloads out to the full union size
	data := buf.Bytes()
	if len(data) < rawEventSize {
		data = append(data, make([]byte, rawEventSize-len(data))...)
	}

	return data, nil
}
