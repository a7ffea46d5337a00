package TLStream

import (
	ringBuffer "github.com/panjf2000/gnet/v2/pkg/pool/ringbuffer"
)

// How a handshakeBuffer treats HelloRequest fragments. The controller picks
// the policy per connection state: requests are real triggers only while the
// connection is idle.
type HelloRequestPolicy uint8

const (
	HelloRequestInclude HelloRequestPolicy = iota
	HelloRequestIgnore
	HelloRequestIgnoreUntilFinished
)

// A flight from the server carries at most ServerHello, Certificate,
// ServerKeyExchange, CertificateRequest and ServerHelloDone. Anything past
// that is a peer trying to make us buffer.
const maxFlightMessages = 5

// Defragments handshake messages across record boundaries. Records feed raw
// fragments in; complete messages (4-byte header + body) come out in order.
// A message may span records but never a ChangeCipherSpec boundary, which
// the controller enforces by requiring Empty() at the fence.
type handshakeBuffer struct {
	raw      *ringBuffer.RingBuffer
	messages [][]byte
	policy   HelloRequestPolicy

	seenFinished bool
}

func newHandshakeBuffer() *handshakeBuffer {
	return &handshakeBuffer{
		raw: ringBuffer.Get(),
	}
}

func (b *handshakeBuffer) release() {
	b.raw.Reset()
	ringBuffer.Put(b.raw)
	b.raw = nil
	b.messages = nil
}

func (b *handshakeBuffer) SetPolicy(policy HelloRequestPolicy) {
	b.policy = policy
}

// Feed appends a record fragment and drains every handshake message that is
// now complete. Returns ErrTooManyHandshakeMessages when a single flight
// exceeds the message cap.
func (b *handshakeBuffer) Feed(fragment []byte) error {
	b.raw.Write(fragment)

	for {
		buffered := b.raw.Buffered()
		if buffered < 4 {
			return nil
		}

		head, tail := b.raw.Peek(4)
		msgType := HandshakeType(GetHeadTail(0, head, tail))
		length := int(GetHeadTail(1, head, tail))<<16 |
			int(GetHeadTail(2, head, tail))<<8 |
			int(GetHeadTail(3, head, tail))

		if buffered < 4+length {
			return nil
		}

		msg := make([]byte, 4+length)
		b.raw.Read(msg)

		if msgType == HandshakeTypeHelloRequest {
			if b.policy == HelloRequestIgnore ||
				(b.policy == HelloRequestIgnoreUntilFinished && !b.seenFinished) {
				continue
			}
		}
		if msgType == HandshakeTypeFinished {
			b.seenFinished = true
		}

		b.messages = append(b.messages, msg)
		if len(b.messages) > maxFlightMessages {
			return ErrTooManyHandshakeMessages
		}
	}
}

// The complete messages accumulated so far, in arrival order.
func (b *handshakeBuffer) Messages() [][]byte {
	return b.messages
}

func (b *handshakeBuffer) ContainsServerHelloDone() bool {
	for _, msg := range b.messages {
		if HandshakeType(msg[0]) == HandshakeTypeServerHelloDone {
			return true
		}
	}
	return false
}

// Empty reports no complete messages pending and no partial fragment
// buffered. Must hold when a ChangeCipherSpec arrives.
func (b *handshakeBuffer) Empty() bool {
	return len(b.messages) == 0 && b.raw.Buffered() == 0
}

func (b *handshakeBuffer) HasPartial() bool {
	return b.raw.Buffered() != 0
}

// Drop consumed messages, keep any partial fragment.
func (b *handshakeBuffer) Drain() {
	b.messages = b.messages[:0]
	b.seenFinished = false
}
