package streaming

import (
	"errors"
	"fmt"
)

// PerMessageOverheadBytes is the fixed accounting overhead added to each
// message's UTF-8 byte length when sizing a chunk send
// pipeline.
const PerMessageOverheadBytes = 500

// OutMessage is one outgoing record produced by a transform handler, still
// attached to the binding/DLQ context it needs if sending ultimately fails.
type OutMessage struct {
	Key             []byte
	Value           []byte
	Topic           string
	DeadLetterQueue string // optional, empty if the binding has none
	// Original is the unmarshaled record Value was produced from, carried
	// so a failed send can dead-letter the payload no matter which chunk
	// the message ends up in.
	Original map[string]any
}

func sizeOf(m OutMessage) int {
	return len(m.Value) + PerMessageOverheadBytes
}

// chunk groups messages so that for every chunk C, either len(C) == 1 or
// sum(byte_len(m)+500) <= maxBytes.
func chunk(messages []OutMessage, maxBytes int) [][]OutMessage {
	var chunks [][]OutMessage
	var cur []OutMessage
	curSize := 0

	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, cur)
			cur = nil
			curSize = 0
		}
	}

	for _, m := range messages {
		sz := sizeOf(m)
		if len(cur) > 0 && curSize+sz > maxBytes {
			flush()
		}
		cur = append(cur, m)
		curSize += sz
	}
	flush()
	return chunks
}

// ErrMessageTooLarge is a sentinel send-path error modeling the broker's
// MESSAGE_TOO_LARGE / ERR_MSG_SIZE_TOO_LARGE response.
// Sender implementations should wrap it with fmt.Errorf("...: %w", ...) so
// errors.Is still finds it through the chain.
var ErrMessageTooLarge = fmt.Errorf("streaming: message batch too large for broker")

// bisect recursively halves an oversize chunk and sends each half,
// terminating when a chunk is down to one message (recursion depth is
// bounded by ceil(log2(len))+1). Halving by message count rather than
// repacking under a halved byte cap converges identically: every level
// strictly shrinks the chunk until a singleton either sends or is fatally
// oversize. send is called on each chunk before it is split and again on
// each half (4 messages that all fail take 7 calls); an error from send that is
// not ErrMessageTooLarge propagates immediately without further bisection.
func bisect(messages []OutMessage, send func([]OutMessage) error) error {
	if len(messages) <= 1 {
		return send(messages)
	}
	if err := send(messages); err == nil {
		return nil
	} else if !isMessageTooLarge(err) {
		return err
	}

	mid := len(messages) / 2
	if err := bisect(messages[:mid], send); err != nil {
		return err
	}
	return bisect(messages[mid:], send)
}

func isMessageTooLarge(err error) bool {
	return errors.Is(err, ErrMessageTooLarge)
}
