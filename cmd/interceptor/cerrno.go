//go:build linux

package main

// This file carries the one C definition the shim needs. It cannot live
// in main.go: a cgo file containing //export directives may only have
// declarations in its preamble, and assigning to errno requires a real
// C function body (errno is a thread-local macro, not a symbol Go could
// write through).

/*
#include <errno.h>

static void chappy_set_errno(int e) { errno = e; }
*/
import "C"

import "golang.org/x/sys/unix"

func setErrno(errno unix.Errno) {
	C.chappy_set_errno(C.int(errno))
}
