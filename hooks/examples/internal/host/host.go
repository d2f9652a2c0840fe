//go:build tinygo || wasm

// Package host is the guest side of the scribed hook ABI.
package host

import (
	"os"
	"unsafe"
)

// Log forwards text to the host runtime via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Publish sends a message to the host bus if permitted by the manifest.
func Publish(subject string, payload []byte) bool {
	if len(subject) == 0 {
		return false
	}
	subjectBuf := []byte(subject)
	var payloadPtr unsafe.Pointer
	var payloadLen uint32
	if len(payload) > 0 {
		payloadPtr = unsafe.Pointer(&payload[0])
		payloadLen = uint32(len(payload))
	}
	code := hostPublish(unsafe.Pointer(&subjectBuf[0]), uint32(len(subjectBuf)), payloadPtr, payloadLen)
	return code == 0
}

// Event is the bus message that triggered this invocation.
type Event struct {
	Hook         string
	Subject      string
	Payload      []byte
	InvocationID string
}

// CurrentEvent reads the invocation environment set up by the host.
func CurrentEvent() Event {
	return Event{
		Hook:         os.Getenv("SCRIBE_HOOK_NAME"),
		Subject:      os.Getenv("SCRIBE_EVENT_SUBJECT"),
		Payload:      []byte(os.Getenv("SCRIBE_EVENT_PAYLOAD")),
		InvocationID: os.Getenv("SCRIBE_INVOCATION_ID"),
	}
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env host_publish
func hostPublish(subjectPtr unsafe.Pointer, subjectLen uint32, payloadPtr unsafe.Pointer, payloadLen uint32) uint32
