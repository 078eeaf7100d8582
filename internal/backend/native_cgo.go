//go:build llama

package backend

// cgo link directives for the native backend: rpath $ORIGIN so libllama.so
// and libggml*.so are found next to the binary in ./bin.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
