//go:build !whisper

package engine

// NativeAvailable reports whether the cgo whisper backend is compiled in.
func NativeAvailable() bool { return false }

func initNative(string, ContextParams) (Context, error) {
	return nil, ErrNativeUnavailable
}
