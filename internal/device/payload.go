package device

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/exp/rand"
)

// PayloadGenerator produces the application payload of each uplink.
type PayloadGenerator interface {
	Next(fCnt uint32, rnd *rand.Rand) []byte
}

// StaticPayload sends the same bytes every time.
type StaticPayload []byte

func (p StaticPayload) Next(uint32, *rand.Rand) []byte {
	return append([]byte(nil), p...)
}

// CounterPayload sends the uplink counter as 4 big endian bytes.
type CounterPayload struct{}

func (CounterPayload) Next(fCnt uint32, _ *rand.Rand) []byte {
	return binary.BigEndian.AppendUint32(nil, fCnt)
}

// RandomPayload sends Size random bytes.
type RandomPayload struct {
	Size int
}

func (p RandomPayload) Next(_ uint32, rnd *rand.Rand) []byte {
	b := make([]byte, p.Size)
	for i := range b {
		b[i] = byte(rnd.Intn(256))
	}
	return b
}

// NewPayloadGenerator builds a generator from its configuration: kind is
// "static", "counter" or "random".
func NewPayloadGenerator(kind, hexData string, size int) (PayloadGenerator, error) {
	switch kind {
	case "", "static":
		if hexData == "" {
			return StaticPayload{0x01, 0x64}, nil
		}
		b, err := hex.DecodeString(hexData)
		if err != nil {
			return nil, fmt.Errorf("decode static payload: %w", err)
		}
		return StaticPayload(b), nil
	case "counter":
		return CounterPayload{}, nil
	case "random":
		if size <= 0 {
			return nil, fmt.Errorf("random payload size must be positive, got %d", size)
		}
		return RandomPayload{Size: size}, nil
	}
	return nil, fmt.Errorf("unknown payload kind %q", kind)
}
