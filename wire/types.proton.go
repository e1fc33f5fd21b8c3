package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id3 uint64 = iota + 1
	id2
	id1
	id0
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		SetInsert{},
		SetAdd{},
		SetInsertAck{},
		UnrecognizedMessageError{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *SetInsert:
		return id3, nil
	case *SetAdd:
		return id2, nil
	case *SetInsertAck:
		return id1, nil
	case *UnrecognizedMessageError:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *SetInsert:
		return size3(msg2), nil
	case *SetAdd:
		return size2(msg2), nil
	case *SetInsertAck:
		return size1(msg2), nil
	case *UnrecognizedMessageError:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *SetInsert:
		return id3, marshal3(msg2, buf), nil
	case *SetAdd:
		return id2, marshal2(msg2, buf), nil
	case *SetInsertAck:
		return id1, marshal1(msg2, buf), nil
	case *UnrecognizedMessageError:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id3:
		msg := &SetInsert{}
		return msg, unmarshal3(msg, buf), nil
	case id2:
		msg := &SetAdd{}
		return msg, unmarshal2(msg, buf), nil
	case id1:
		msg := &SetInsertAck{}
		return msg, unmarshal1(msg, buf), nil
	case id0:
		msg := &UnrecognizedMessageError{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *SetInsert:
		return id3, makePatch3(msg2, msgSrc.(*SetInsert), buf), nil
	case *SetAdd:
		return id2, makePatch2(msg2, msgSrc.(*SetAdd), buf), nil
	case *SetInsertAck:
		return id1, makePatch1(msg2, msgSrc.(*SetInsertAck), buf), nil
	case *UnrecognizedMessageError:
		return id0, makePatch0(msg2, msgSrc.(*UnrecognizedMessageError), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *SetInsert:
		return applyPatch3(msg2, buf), nil
	case *SetAdd:
		return applyPatch2(msg2, buf), nil
	case *SetInsertAck:
		return applyPatch1(msg2, buf), nil
	case *UnrecognizedMessageError:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *UnrecognizedMessageError) uint64 {
	var n uint64
	return n
}

func marshal0(m *UnrecognizedMessageError, b []byte) uint64 {
	var o uint64

	return o
}

func unmarshal0(m *UnrecognizedMessageError, b []byte) uint64 {
	var o uint64

	return o
}

func makePatch0(m, mSrc *UnrecognizedMessageError, b []byte) uint64 {
	var o uint64

	return o
}

func applyPatch0(m *UnrecognizedMessageError, b []byte) uint64 {
	var o uint64

	return o
}

func size1(m *SetInsertAck) uint64 {
	var n uint64 = 1
	return n
}

func marshal1(m *SetInsertAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// Inserted

		if m.Inserted {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}

	return o
}

func unmarshal1(m *SetInsertAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// Inserted

		m.Inserted = b[0]&0x01 != 0
	}

	return o
}

func makePatch1(m, mSrc *SetInsertAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// Inserted

		if m.Inserted == mSrc.Inserted {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
		}
	}

	return o
}

func applyPatch1(m *SetInsertAck, b []byte) uint64 {
	var o uint64 = 1
	{
		// Inserted

		if b[0]&0x01 != 0 {
			m.Inserted = !m.Inserted
		}
	}

	return o
}

func size2(m *SetAdd) uint64 {
	var n uint64 = 2
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Data

		l := uint64(len(m.Data))
		helpers.UInt64Size(l, &n)
		n += l
	}
	return n
}

func marshal2(m *SetAdd, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Name)
			o += l
		}
	}
	{
		// Data

		l := uint64(len(m.Data))
		helpers.UInt64Marshal(l, b, &o)
		if l > 0 {
			copy(b[o:o+l], unsafe.Slice(&m.Data[0], l))
			o += l
		}
	}

	return o
}

func unmarshal2(m *SetAdd, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Name = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Data

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Data = make([]uint8, l)
			copy(m.Data, b[o:o+l])
			o += l
		}
	}

	return o
}

func makePatch2(m, mSrc *SetAdd, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if reflect.DeepEqual(m.Name, mSrc.Name) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Name))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Name)
				o += l
			}
		}
	}
	{
		// Data

		if reflect.DeepEqual(m.Data, mSrc.Data) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			l := uint64(len(m.Data))
			helpers.UInt64Marshal(l, b, &o)
			if l > 0 {
				copy(b[o:o+l], unsafe.Slice(&m.Data[0], l))
				o += l
			}
		}
	}

	return o
}

func applyPatch2(m *SetAdd, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Name = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Data

		if b[0]&0x02 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Data = make([]uint8, l)
				copy(m.Data, b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func size3(m *SetInsert) uint64 {
	var n uint64 = 2
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Value

		l := uint64(len(m.Value))
		helpers.UInt64Size(l, &n)
		n += l
	}
	return n
}

func marshal3(m *SetInsert, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Name)
			o += l
		}
	}
	{
		// Value

		l := uint64(len(m.Value))
		helpers.UInt64Marshal(l, b, &o)
		if l > 0 {
			copy(b[o:o+l], unsafe.Slice(&m.Value[0], l))
			o += l
		}
	}

	return o
}

func unmarshal3(m *SetInsert, b []byte) uint64 {
	var o uint64
	{
		// Name

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Name = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Value

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Value = make([]uint8, l)
			copy(m.Value, b[o:o+l])
			o += l
		}
	}

	return o
}

func makePatch3(m, mSrc *SetInsert, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if reflect.DeepEqual(m.Name, mSrc.Name) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Name))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Name)
				o += l
			}
		}
	}
	{
		// Value

		if reflect.DeepEqual(m.Value, mSrc.Value) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			l := uint64(len(m.Value))
			helpers.UInt64Marshal(l, b, &o)
			if l > 0 {
				copy(b[o:o+l], unsafe.Slice(&m.Value[0], l))
				o += l
			}
		}
	}

	return o
}

func applyPatch3(m *SetInsert, b []byte) uint64 {
	var o uint64 = 1
	{
		// Name

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Name = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Value

		if b[0]&0x02 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Value = make([]uint8, l)
				copy(m.Value, b[o:o+l])
				o += l
			}
		}
	}

	return o
}
