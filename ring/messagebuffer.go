package ring

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"

	"github.com/lionkov/go9p/p"
	log "github.com/sirupsen/logrus"
)

// MessageBuffer reassembles 9p messages out of the byte chunks relayed
// for one direction of a connection, buffering them through a ring
// Buffer so that ingestion stays bounded no matter how the chunks are
// split across message boundaries.
type MessageBuffer struct {
	buffer  *Buffer
	staging bytes.Buffer
}

// NewMessageBuffer sizes the underlying ring buffer for messages of at
// most msize bytes, the connection's negotiated maximum message size.
// The ring buffer wants a power-of-two capacity, so msize is rounded
// up to one.
func NewMessageBuffer(msize uint32) (*MessageBuffer, error) {
	capacity := msize
	if capacity&(capacity-1) != 0 {
		capacity = uint32(1) << uint(bits.Len32(capacity))
	}
	buffer, err := NewBuffer(capacity)
	if err != nil {
		return nil, err
	}
	return &MessageBuffer{buffer: buffer}, nil
}

func (mb *MessageBuffer) Ingest(chunk []byte) error {
	if err := mb.buffer.Push(chunk); err != nil {
		return fmt.Errorf("ingest ring buffer push: %w", err)
	}
	return nil
}

// PrintMessages drains ingested bytes and prints every complete
// message to out. A message that can't be unpacked is logged and
// skipped; bytes of a message still missing its remainder are kept for
// a later call.
func (mb *MessageBuffer) PrintMessages(out io.Writer) error {
	if _, err := mb.buffer.FlushTo(&mb.staging); err != nil {
		return fmt.Errorf("ring buffer flush: %w", err)
	}
	for {
		head := mb.staging.Bytes()
		if len(head) < 4 {
			return nil
		}
		size, _ := p.Gint32(head[:4])
		if size < 4 {
			mb.staging.Reset()
			return fmt.Errorf("message size %d too small", size)
		}
		if uint32(len(head)) < size {
			// We know the size of the current message but don't have
			// all of it yet.
			return nil
		}
		fc, err, _ := p.Unpack(mb.staging.Next(int(size)), false)
		if err != nil {
			log.WithField("cause", err).Error("Could not unpack message")
		} else {
			fmt.Fprintln(out, fc)
		}
	}
}
