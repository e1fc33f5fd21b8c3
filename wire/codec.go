package wire

import (
	"math"

	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

// ErrNoVariant is returned when decoded frame does not carry any message body.
var ErrNoVariant = errors.New("frame carries no message variant")

var (
	marshaller = NewMarshaller()

	setInsertID, _ = marshaller.ID(&SetInsert{})
	setAddID, _    = marshaller.ID(&SetAdd{})
)

// Message is the envelope exchanged between client and server.
//
// Frame layout is: varuint(payload length) | varuint(ID) | varuint(variant) | proton body, where payload is
// everything after the length. Variant is the proton ID of the body type, zero means that no body is present.
// Length prefix is the framing expected by resonance for raw bytes, so frames go through
// SendRawBytes and ReceiveRawBytes unchanged.
type Message struct {
	// ID correlates request with its acknowledgement.
	ID uint32

	// Body is one of *SetInsert, *SetAdd, *SetInsertAck or *UnrecognizedMessageError.
	Body any
}

// Encode encodes message into a new frame.
func Encode(msg Message) ([]byte, error) {
	var variant, bodySize uint64
	if msg.Body != nil {
		var err error
		variant, err = marshaller.ID(msg.Body)
		if err != nil {
			return nil, err
		}
		bodySize, err = marshaller.Size(msg.Body)
		if err != nil {
			return nil, err
		}
	}

	var payloadSize uint64 = 2
	helpers.UInt64Size(uint64(msg.ID), &payloadSize)
	helpers.UInt64Size(variant, &payloadSize)
	payloadSize += bodySize

	frameSize := payloadSize + 1
	helpers.UInt64Size(payloadSize, &frameSize)

	buf := make([]byte, frameSize)
	var o uint64
	helpers.UInt64Marshal(payloadSize, buf, &o)
	helpers.UInt64Marshal(uint64(msg.ID), buf, &o)
	helpers.UInt64Marshal(variant, buf, &o)

	if msg.Body != nil {
		_, size, err := marshaller.Marshal(msg.Body, buf[o:])
		if err != nil {
			return nil, err
		}
		o += size
	}

	if o != frameSize {
		return nil, errors.Errorf("encoded %d bytes instead of %d", o, frameSize)
	}
	return buf, nil
}

// Decode decodes frame. It never panics, malformed input is reported as an error.
func Decode(buf []byte) (msg Message, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = errors.Errorf("malformed frame: %v", r)
		}
	}()

	// Reading past the frame must fail even if the slice has spare capacity.
	buf = buf[:len(buf):len(buf)]

	var o, payloadSize, id, variant uint64
	helpers.UInt64Unmarshal(&payloadSize, buf, &o)
	if payloadSize != uint64(len(buf))-o {
		return Message{}, errors.Errorf("frame declares payload of %d bytes but carries %d bytes",
			payloadSize, uint64(len(buf))-o)
	}

	helpers.UInt64Unmarshal(&id, buf, &o)
	if id > math.MaxUint32 {
		return Message{}, errors.Errorf("message ID %d exceeds 32 bits", id)
	}
	msg.ID = uint32(id)

	helpers.UInt64Unmarshal(&variant, buf, &o)
	if variant == 0 {
		return msg, errors.WithStack(ErrNoVariant)
	}

	if err := checkFieldLengths(variant, buf[o:]); err != nil {
		return msg, err
	}

	body, size, err := marshaller.Unmarshal(variant, buf[o:])
	if err != nil {
		return msg, err
	}
	if o+size != uint64(len(buf)) {
		return msg, errors.Errorf("message body of %d bytes does not fill frame of %d bytes", size, len(buf))
	}

	msg.Body = body
	return msg, nil
}

// checkFieldLengths verifies that length-prefixed fields fit in the frame before unmarshalling allocates them.
func checkFieldLengths(variant uint64, b []byte) error {
	if variant != setInsertID && variant != setAddID {
		return nil
	}

	var o uint64
	for range 2 {
		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > uint64(len(b))-o {
			return errors.Errorf("field of %d bytes exceeds the frame", l)
		}
		o += l
	}
	return nil
}
