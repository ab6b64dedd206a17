//go:build !cgo

package main

// main mirrors the empty main in ffi.go so the package still links when cgo
// is disabled (ffi.go is excluded from such builds).
func main() {}
