package util

import "sync"

// relayBufs holds the copy buffers of attached sessions.  Each attach
// runs two copyBuffered loops for its whole lifetime, so a server with
// many short attaches would otherwise allocate 64 KiB per attach.
var relayBufs = sync.Pool{ //nolint:gochecknoglobals
	New: func() any {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// getRelayBuf hands out a DefaultBufSize buffer; give it back with
// putRelayBuf once the copy loop ends.
func getRelayBuf() *[]byte {
	return relayBufs.Get().(*[]byte)
}

func putRelayBuf(buf *[]byte) {
	if buf == nil || len(*buf) != DefaultBufSize {
		return
	}
	relayBufs.Put(buf)
}
