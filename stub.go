package main

import "gopherkern/kernel/kmain"

// multibootInfoPtr is never written from Go. Passing a variable instead of a
// constant keeps the compiler from inlining Kmain and discarding the kernel
// from the object file that the boot code links against.
var multibootInfoPtr uintptr

// main only exists so that the kernel packages are compiled; the boot code
// jumps to kmain.Kmain directly.
func main() {
	kmain.Kmain(multibootInfoPtr, 0, 0)
}
