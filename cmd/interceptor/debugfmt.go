//go:build linux

package main

import (
	"net"

	"github.com/chappy-project/chappy/pkg/interceptor"
)

// debugClassified and debugReturn are the trace-level call logging
// original_source/chappy/interceptor/src/debug_fmt.rs provides
// (`dst_rewrite`/`dst`/`return_code`), translated to logrus's leveled
// logging. They exist purely to make a misbehaving intercepted process
// diagnosable after the fact; neither ever affects control flow. Both
// take plain Go integers rather than C.int: this file does not import
// "C" itself, so the fd/return-code values are converted at the call
// site in main.go.
func debugClassified(call string, fd int32, ip net.IP, port uint16, class interceptor.Class) {
	log.Tracef("%s(%d): %s:%d classified as %s", call, fd, ip, port, class)
}

func debugReturn(call string, fd int32, code int32) {
	if code == -1 {
		log.Tracef("%s(%d): failed", call, fd)
	} else {
		log.Tracef("%s(%d): ok", call, fd)
	}
}
