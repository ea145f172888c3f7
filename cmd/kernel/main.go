package main

import "github.com/MinkowskiMetric/gokern/kernel/boot"

var multibootInfoPtr uintptr

// main makes a dummy call to the actual kernel entrypoint. It is
// intentionally defined this way to prevent the Go compiler from
// optimizing away the real kernel code: passing a global variable as an
// argument to Boot prevents the compiler from inlining the call and
// dropping Boot from the generated object file.
func main() {
	boot.Boot(multibootInfoPtr)
}
