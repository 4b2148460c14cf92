package main

import "frostbyte/kernel/kmain"

var multibootInfoPtr uintptr

// main makes a dummy call to the actual kernel entry point. It is
// intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code: the rt0 assembly jumps to kmain.Kmain directly and the
// linker must keep it.
//
// A global variable is passed as an argument to prevent the compiler from
// inlining the call and dropping Kmain from the generated object.
func main() {
	kmain.Kmain(multibootInfoPtr, 0, 0)
}
