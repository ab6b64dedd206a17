// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libpetlink.so (Android) / petlink.framework (iOS)
//
// Every function returning *C.char returns a JSON envelope
// {"ok":bool,"data":...,"code":"...","error":"..."} that must be released
// with FreeString.
package main

/*
#cgo CFLAGS: -Wall -Wextra
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

//export Init
// Init opens the database in dataDir and starts the sync engine. configPath
// may be empty. Returns 0 on success, non-zero on error.
func Init(dataDir, configPath *C.char) int32 {
	if err := initCore(C.GoString(dataDir), C.GoString(configPath)); err != nil {
		setLastError(err.Error())
		return 1
	}
	return 0
}

//export Cleanup
// Cleanup stops the engine and closes the database.
func Cleanup() {
	cleanupCore()
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	return C.CString(getLastError())
}

//export EnqueueAction
// EnqueueAction records a user action of the given kind from its JSON payload.
func EnqueueAction(kind, payload *C.char) *C.char {
	return C.CString(enqueueAction(C.GoString(kind), C.GoString(payload)))
}

//export RunCycle
// RunCycle runs a sync cycle and waits for it.
func RunCycle() *C.char {
	return C.CString(runCycle())
}

//export Status
// Status returns scheduler state, queue counts and the last cycle.
func Status() *C.char {
	return C.CString(status())
}

//export ListPets
func ListPets(owner *C.char) *C.char {
	return C.CString(listPets(C.GoString(owner)))
}

//export ListAlerts
func ListAlerts(owner *C.char) *C.char {
	return C.CString(listAlerts(C.GoString(owner)))
}

//export ListQueue
// ListQueue lists queued actions, optionally only those with status.
func ListQueue(status *C.char) *C.char {
	return C.CString(listQueue(C.GoString(status)))
}

//export DiscardAction
func DiscardAction(id *C.char) *C.char {
	return C.CString(discardAction(C.GoString(id)))
}

//export ResubmitAction
// ResubmitAction requeues an abandoned action. payload may be empty to keep
// the stored one.
func ResubmitAction(id, payload *C.char) *C.char {
	return C.CString(resubmitAction(C.GoString(id), C.GoString(payload)))
}

//export SetToken
// SetToken stores the API token sealed in the data directory. An empty
// token logs out.
func SetToken(token *C.char) *C.char {
	return C.CString(setToken(C.GoString(token)))
}

//export SetOnline
// SetOnline reports connectivity changes; going online starts a cycle.
func SetOnline(online int32) {
	setOnline(online != 0)
}

//export ChangeCounter
// ChangeCounter returns a value that increases whenever the queue or cache
// changes, for polling UIs.
func ChangeCounter() uint64 {
	return changeCounter()
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
