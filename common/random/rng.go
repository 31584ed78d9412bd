package random

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"lukechampine.com/blake3"
)

var System = rand.Reader

// Blake3KeyedHash returns a source reading the extendable output of a blake3
// hash keyed from the system random source.
func Blake3KeyedHash() Source {
	key := make([]byte, 32)
	_, err := io.ReadFull(System, key)
	if err != nil {
		panic(err)
	}
	h := blake3.New(32, key)
	return Source{h.XOF()}
}

const (
	rngMax  = 1 << 63
	rngMask = rngMax - 1
)

// Source is a math/rand source and an io.Reader at once.
type Source struct {
	io.Reader
}

func (s Source) Int63() int64 {
	return int64(s.Uint64() & rngMask)
}

func (s Source) Uint64() uint64 {
	var buffer [8]byte
	_, err := io.ReadFull(s, buffer[:])
	if err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(buffer[:])
}

func (s Source) Seed(int64) {
}
