package congestion

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestDeserialiseSendEvent(t *testing.T) {
	/*
		__u64 timestamp_ns;
		__u32 event_type;
		__u32 cpu_id;
		__u64 bytes;
		__u32 is_tcp;
		(4 bytes alignment padding)
		__u64 socket_id;
	*/
	mockEventData := []byte{
		0xE8, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // 1000 little endian
		0x02, 0x00, 0x00, 0x00, // 2 little endian (TCP send)
		0x03, 0x00, 0x00, 0x00, // 3 little endian
		0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // 4096 little endian
		0x01, 0x00, 0x00, 0x00, // 1 little endian (TCP)
		0x00, 0x00, 0x00, 0x00, // Alignment padding
		0x00, 0x69, 0x0B, 0x71, 0x45, 0x9E, 0xFF, 0xFF, // 0xffff9e45710b6900 little endian
	}

	deserialiser := newCStructDeserialiser(binary.LittleEndian)

	event, err := deserialiser.toEvent(mockEventData)
	if err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	if event.TimestampNS != 1000 {
		t.Errorf("expected timestamp 1000, got %d", event.TimestampNS)
	}

	if event.EventType != eventTCPSend {
		t.Errorf("expected event type %d, got %d", eventTCPSend, event.EventType)
	}

	if event.CPUID != 3 {
		t.Errorf("expected CPU ID 3, got %d", event.CPUID)
	}

	if event.send.Bytes != 4096 {
		t.Errorf("expected 4096 send bytes, got %d", event.send.Bytes)
	}

	if event.send.IsTCP != 1 {
		t.Errorf("expected TCP protocol flag 1, got %d", event.send.IsTCP)
	}

	if event.send.SocketID != 0xffff9e45710b6900 {
		t.Errorf("expected socket ID ffff9e45710b6900, got %x", event.send.SocketID)
	}
}

func TestDeserialiseSocketStateEvent(t *testing.T) {
	/*
		__u64 timestamp_ns;
		__u32 event_type;
		__u32 cpu_id;
		__u32 wmem_queued;
		__u32 sndbuf;
		__u64 socket_id;
	*/
	mockEventData := []byte{
		0xE8, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // 1000 little endian
		0x04, 0x00, 0x00, 0x00, // 4 little endian (socket state)
		0x00, 0x00, 0x00, 0x00, // 0 little endian
		0x32, 0x00, 0x00, 0x00, // 50 little endian
		0x64, 0x00, 0x00, 0x00, // 100 little endian
		0x00, 0x69, 0x0B, 0x71, 0x45, 0x9E, 0xFF, 0xFF, // 0xffff9e45710b6900 little endian
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // Union padding
	}

	deserialiser := newCStructDeserialiser(binary.LittleEndian)

	event, err := deserialiser.toEvent(mockEventData)
	if err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	if event.socket.WmemQueued != 50 {
		t.Errorf("expected 50 bytes queued memory, got %d", event.socket.WmemQueued)
	}

	if event.socket.Sndbuf != 100 {
		t.Errorf("expected buffer limit 100, got %d", event.socket.Sndbuf)
	}

	if event.socket.SocketID != 0xffff9e45710b6900 {
		t.Errorf("expected socket ID ffff9e45710b6900, got %x", event.socket.SocketID)
	}
}

// Every variant must survive an encode/decode round trip exactly:
// the two sides of the wire contract share one layout.
func TestDeserialiseRoundTrip(t *testing.T) {
	events := map[string]*rawEvent{
		"udp send": {
			rawEventHeader: rawEventHeader{TimestampNS: 123456789, EventType: eventUDPSend, CPUID: 1},
			send:           sendPayload{Bytes: 1500, IsTCP: 0, SocketID: 0xdead},
		},
		"tcp send": {
			rawEventHeader: rawEventHeader{TimestampNS: 987654321, EventType: eventTCPSend, CPUID: 7},
			send:           sendPayload{Bytes: 64, IsTCP: 1, SocketID: 0xbeef},
		},
		"drop": {
			rawEventHeader: rawEventHeader{TimestampNS: 42, EventType: eventDrop, CPUID: 0},
			drop:           dropPayload{Dropped: 1, BacklogBytes: 0, BacklogPackets: 0},
		},
		"socket state": {
			rawEventHeader: rawEventHeader{TimestampNS: 555, EventType: eventSocketState, CPUID: 2},
			socket:         socketPayload{WmemQueued: 4096, Sndbuf: 212992, SocketID: 0xcafe},
		},
		"softirq exit": {
			rawEventHeader: rawEventHeader{TimestampNS: 777, EventType: eventSoftirqExit, CPUID: 3},
			softirq:        softirqPayload{VecNR: 3, DurationNS: 15000},
		},
	}

	endianess := systemEndianess()
	deserialiser := newCStructDeserialiser(endianess)

	for name, original := range events {
		data, err := original.marshal(endianess)
		if err != nil {
			t.Errorf("%s: expected nil marshal error, got %v (of type %T)", name, err, err)
			continue
		}

		if len(data) != rawEventSize {
			t.Errorf("%s: expected %d byte record, got %d", name, rawEventSize, len(data))
		}

		decoded, err := deserialiser.toEvent(data)
		if err != nil {
			t.Errorf("%s: expected nil error, got %v (of type %T)", name, err, err)
			continue
		}

		if *decoded != *original {
			t.Errorf("%s: expected decoded event %+v to equal original %+v", name, decoded, original)
		}
	}
}

func TestDeserialiseTruncatedRecordError(t *testing.T) {
	deserialiser := newCStructDeserialiser(binary.LittleEndian)

	_, err := deserialiser.toEvent(make([]byte, rawEventSize-1))
	if err == nil {
		t.Error("expected error, got nil")
	}

	t.Logf("got error %q (of type %T)", err, err)

	if !errors.Is(err, ErrTruncatedRecord) {
		t.Errorf("expected error chain to include %q, but did not", ErrTruncatedRecord)
	}
}

// A record with an unrecognised discriminator is not an error: the
// header decodes and the payload is left untouched for the dispatcher
// to ignore.
func TestDeserialiseUnrecognisedEventType(t *testing.T) {
	endianess := systemEndianess()
	unknown := &rawEvent{
		rawEventHeader: rawEventHeader{TimestampNS: 1, EventType: 99, CPUID: 0},
	}

	data, err := unknown.marshal(endianess)
	if err != nil {
		t.Errorf("expected nil marshal error, got %v (of type %T)", err, err)
	}

	deserialiser := newCStructDeserialiser(endianess)

	event, err := deserialiser.toEvent(data)
	if err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	if event.EventType != 99 {
		t.Errorf("expected event type 99, got %d", event.EventType)
	}

	if event.send != (sendPayload{}) || event.socket != (socketPayload{}) {
		t.Error("expected payloads of an unrecognised event to remain zero")
	}
}
