package main

import (
	"github.com/outofforest/kv/wire"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[wire.SetInsert](),
		proton.Message[wire.SetAdd](),
		proton.Message[wire.SetInsertAck](),
		proton.Message[wire.UnrecognizedMessageError](),
	)
}
