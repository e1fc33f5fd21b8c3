package wire

// SetInsert requests inserting Value into the set Name.
type SetInsert struct {
	Name  string
	Value []byte
}

// SetAdd is the legacy form of SetInsert.
type SetAdd struct {
	Name string
	Data []byte
}

// SetInsertAck is sent by server to acknowledge applied insert.
type SetInsertAck struct {
	Inserted bool
}

// UnrecognizedMessageError is sent by server when received frame could not be decoded.
type UnrecognizedMessageError struct{}
