//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

// result converts a bridge result into a C string the caller frees with
// DuoFreeString. Failures return NULL and set the last error.
func result(s string, err error) *C.char {
	global.setError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

// code returns 0 on success and -1 on failure.
func code(err error) C.int {
	global.setError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export DuoInit
func DuoInit(manifestJSON, configJSON *C.char) *C.char {
	return result(global.start(C.GoString(manifestJSON), C.GoString(configJSON)))
}

//export DuoRead
func DuoRead(collection *C.char) *C.char {
	return result(global.read(C.GoString(collection)))
}

//export DuoGet
func DuoGet(collection, key *C.char) *C.char {
	return result(global.get(C.GoString(collection), C.GoString(key)))
}

//export DuoMutate
func DuoMutate(collection, op, payloadJSON *C.char) *C.char {
	return result(global.mutate(C.GoString(collection), C.GoString(op), C.GoString(payloadJSON)))
}

//export DuoSyncNow
func DuoSyncNow() *C.char {
	return result(global.syncNow())
}

//export DuoPull
func DuoPull(collection *C.char) *C.char {
	return result(global.pull(C.GoString(collection)))
}

//export DuoStatus
func DuoStatus() *C.char {
	return result(global.status())
}

//export DuoSetOnline
func DuoSetOnline(online C.int) C.int {
	return code(global.setOnline(online != 0))
}

//export DuoFailed
func DuoFailed() *C.char {
	return result(global.failed())
}

//export DuoRetry
func DuoRetry(id *C.char) C.int {
	return code(global.retry(C.GoString(id)))
}

//export DuoDiscard
func DuoDiscard(id *C.char) C.int {
	return code(global.discard(C.GoString(id)))
}

//export DuoEvents
func DuoEvents() *C.char {
	return result(global.drainEvents())
}

//export DuoClose
func DuoClose() C.int {
	return code(global.close())
}

//export DuoLastError
func DuoLastError() *C.char {
	return C.CString(global.lastError())
}

//export DuoFreeString
func DuoFreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
