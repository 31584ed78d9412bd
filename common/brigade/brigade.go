// Package brigade implements a bucket brigade: a FIFO of received byte
// slices that can be consumed by length or line by line without copying
// every incoming chunk into one contiguous buffer.
package brigade

import (
	"bytes"

	E "github.com/sagernet/sing-pipeline/common/exceptions"

	"github.com/eapache/queue"
)

var ErrLineTooLong = E.New("brigade: line too long")

type Brigade struct {
	head    []byte
	buckets *queue.Queue
	total   int
}

func New() *Brigade {
	return &Brigade{buckets: queue.New()}
}

func (b *Brigade) Total() int {
	return b.total
}

// Bufferise appends octets. The brigade keeps a reference to the slice, the
// caller must not modify it afterwards.
func (b *Brigade) Bufferise(octets []byte) {
	if len(octets) == 0 {
		return
	}
	if b.head == nil {
		b.head = octets
	} else {
		b.buckets.Add(octets)
	}
	b.total += len(octets)
}

// Skip drops length bytes and returns zero, or returns length unchanged if
// fewer than length bytes are buffered.
func (b *Brigade) Skip(length int) int {
	if length <= 0 || b.total < length {
		return length
	}
	b.consume(length, nil)
	return 0
}

// Pullup removes and returns exactly length bytes, or nil if fewer are
// buffered.
func (b *Brigade) Pullup(length int) []byte {
	if length <= 0 || b.total < length {
		return nil
	}
	if len(b.head) >= length {
		octets := b.head[:length:length]
		b.consume(length, nil)
		return octets
	}
	octets := make([]byte, 0, length)
	return b.consume(length, octets)
}

// GetLine returns the next line including its trailing LF. It returns nil
// without error when no complete line is buffered yet, and ErrLineTooLong
// when maxLine bytes are buffered without a LF among them.
func (b *Brigade) GetLine(maxLine int) ([]byte, error) {
	offset := 0
	bucket := b.head
	for index := 0; bucket != nil; index++ {
		if position := bytes.IndexByte(bucket, '\n'); position >= 0 {
			if offset+position+1 > maxLine {
				return nil, ErrLineTooLong
			}
			return b.Pullup(offset + position + 1), nil
		}
		offset += len(bucket)
		if offset >= maxLine {
			return nil, ErrLineTooLong
		}
		if index >= b.buckets.Length() {
			break
		}
		bucket = b.buckets.Get(index).([]byte)
	}
	return nil, nil
}

func (b *Brigade) Reset() {
	b.head = nil
	b.buckets = queue.New()
	b.total = 0
}

func (b *Brigade) consume(length int, output []byte) []byte {
	b.total -= length
	for length > 0 {
		if len(b.head) > length {
			if output != nil {
				output = append(output, b.head[:length]...)
			}
			b.head = b.head[length:]
			return output
		}
		if output != nil {
			output = append(output, b.head...)
		}
		length -= len(b.head)
		b.next()
	}
	if len(b.head) == 0 {
		b.next()
	}
	return output
}

func (b *Brigade) next() {
	if b.buckets.Length() == 0 {
		b.head = nil
		return
	}
	b.head = b.buckets.Remove().([]byte)
}
