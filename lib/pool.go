package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is a pooled message buffer used by the stream layer to carry
// reassembled messages out of the engine's receive ring and application
// writes into the send path.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element data buffer. The single parameter is
// the buffer length in bytes.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: invalid number of parameters, want bufferLength only")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		log.Println("NewPayload: bufferLength should be of type int")
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent replaces the content of the payload.
func (p *Payload) SetContent(s string) {
	p.payloadBytes = []byte(s)
	p.length = len(s)
}

// Reset clears the content of the payload.
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent prints the content of the payload.
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

// Copy fills the payload from src.
func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

// Append adds src at the end of the current content.
func (p *Payload) Append(src []byte) error {
	if p.length+len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload append: %d+%d exceeds bufferLength(%d)", p.length, len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes[p.length:], src)
	p.length += len(src)
	return nil
}

// GetSlice returns the filled part of the payload.
func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
