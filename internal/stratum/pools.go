// Object pools amortizing per-line allocation on the session read loop,
// which runs once per message for every connected miner.
package stratum

import (
	"sync"
)

var (
	// messagePool reuses Message structs across ParseMessageInto calls.
	messagePool = sync.Pool{
		New: func() any {
			return &Message{}
		},
	}

	// bufferPool reuses the scanner's read buffer across sessions.
	bufferPool = sync.Pool{
		New: func() any {
			return make([]byte, 4096)
		},
	}
)

// GetMessage gets a Message from the pool
func GetMessage() *Message {
	msg := messagePool.Get().(*Message)
	// Reset the message
	msg.ID = nil
	msg.Method = ""
	msg.Params = nil
	msg.Result = nil
	msg.Error = nil
	return msg
}

// PutMessage returns a Message to the pool
func PutMessage(msg *Message) {
	if msg != nil {
		messagePool.Put(msg)
	}
}

// GetBuffer gets a byte buffer from the pool
func GetBuffer() []byte {
	return bufferPool.Get().([]byte)
}

// PutBuffer returns a byte buffer to the pool
func PutBuffer(buf []byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}
