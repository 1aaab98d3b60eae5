package congestion

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Deserialiser is an interface which describes objects which convert
// a byte slice containing a congestion event record into an event
// object.
type deserialiser interface {
	toEvent(data []byte) (*rawEvent, error)
}

// CStructDeserialiser converts a byte slice containing the C-struct
// wire form of a congestion event into a rawEvent. The discriminator
// is validated before any payload bytes are interpreted; a record
// with an unrecognised discriminator decodes to a header-only event
// whose payload is ignored downstream.
type cStructDeserialiser struct {
	endianess binary.ByteOrder
}

func newCStructDeserialiser(endianess binary.ByteOrder) *cStructDeserialiser {
	return &cStructDeserialiser{endianess}
}

// ToEvent creates a congestion event object from the supplied byte
// slice containing the C-struct data. Input shorter than the fixed
// record size yields ErrTruncatedRecord.
func (d *cStructDeserialiser) toEvent(data []byte) (*rawEvent, error) {
	if len(data) < rawEventSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncatedRecord, len(data), rawEventSize)
	}

	event := new(rawEvent)
	if err := binary.Read(bytes.NewReader(data[:payloadOffset]), d.endianess, &event.rawEventHeader); err != nil {
		return nil, fmt.Errorf("decoding event header: %w", err)
	}

	payload := bytes.NewReader(data[payloadOffset:rawEventSize])

	var err error
	switch event.EventType {
	case eventUDPSend, eventTCPSend:
		err = binary.Read(payload, d.endianess, &event.send)
	case eventDrop:
		err = binary.Read(payload, d.endianess, &event.drop)
	case eventSocketState:
		err = binary.Read(payload, d.endianess, &event.socket)
	case eventSoftirqExit:
		err = binary.Read(payload, d.endianess, &event.softirq)
	default:
		// Unrecognised discriminator: never interpret the payload
	}
	if err != nil {
		return nil, fmt.Errorf("decoding event payload: %w", err)
	}

	return event, nil
}
