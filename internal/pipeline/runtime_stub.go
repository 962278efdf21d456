//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

// DefaultCodec returns the pure-Go codec.
func DefaultCodec() Codec {
	return stdlibCodec{}
}
