package util

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoroutineID returns the numeric id of the calling goroutine, parsed from
// the runtime stack header ("goroutine N [running]:").
//
// Instances are confined to the goroutine that opened them; this id is the
// confinement key and is asserted on every public entry point. The runtime
// deliberately hides goroutine identity, and none of our dependencies expose
// it, so the stack header is the only stable source. The parse is done once
// per Open / assert and is cheap relative to any engine call.
func GoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := buf[:n]
	header = bytes.TrimPrefix(header, []byte("goroutine "))
	if i := bytes.IndexByte(header, ' '); i > 0 {
		header = header[:i]
	}
	id, err := strconv.ParseInt(string(header), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
