package utils

import (
	"fmt"
	"sync/atomic"
	"time"
)

var idSeq uint64

// GenConvID generates a unique conversation ID from the current UTC
// nanosecond timestamp and an atomic sequence number.
func GenConvID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("conv-%d-%d", n, s)
}

// GenMsgID generates a unique message ID in the same format.
func GenMsgID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("msg-%d-%d", n, s)
}
