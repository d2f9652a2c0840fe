//go:build tinygo || wasm

package main

import "github.com/loqalabs/loqa-scribe/hooks/examples/internal/host"

//export run
func run() {
	evt := host.CurrentEvent()
	host.Log(evt.Subject + ": " + string(evt.Payload))
}

func main() {}
