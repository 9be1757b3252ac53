package kernel

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// PageSnapshot is one page captured in a checkpoint. Content is nil for
// pages already durable in the backing store; those are resolved by id
// at restore time.
type PageSnapshot struct {
	ID          string   `cbor:"id"`
	Kind        PageKind `cbor:"kind"`
	Importance  float64  `cbor:"importance"`
	Tokens      int      `cbor:"tokens"`
	Seq         uint64   `cbor:"seq"`
	ChangeSeq   uint64   `cbor:"change_seq"`
	AccessCount int      `cbor:"access_count"`
	Durable     bool     `cbor:"durable"`
	Content     []byte   `cbor:"content,omitempty"`
}

// Checkpoint is an immutable snapshot of a process and its resident
// page set. It copies page ids and content, never live pointers, so a
// restore can never alias mutable window state.
type Checkpoint struct {
	ID        string `cbor:"id"`
	ProcessID string `cbor:"process_id"`
	Name      string `cbor:"name"`
	Priority  int    `cbor:"priority"`

	RunTime    time.Duration `cbor:"run_time"`
	TokensUsed int           `cbor:"tokens_used"`
	CallsUsed  int           `cbor:"calls_used"`

	// Budget is the window budget at capture time, informational only:
	// restore always admits into the currently configured budget.
	Budget int `cbor:"budget"`

	Pages     []PageSnapshot `cbor:"pages"`
	CreatedAt time.Time      `cbor:"created_at"`
}

// Wire format: magic, format version, BLAKE3 checksum of the CBOR
// body, zstd-compressed CBOR body. Deterministic CBOR encoding keeps
// the checksum meaningful: the same snapshot always produces identical
// bytes.
var checkpointMagic = []byte("GKCP")

const checkpointVersion = 1

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("kernel: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("kernel: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("kernel: zstd encoder initialization failed: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil)
	if err != nil {
		panic("kernel: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeCheckpoint serializes a checkpoint to its wire form.
func EncodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	body, err := cborEnc.Marshal(cp)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(body)

	out := make([]byte, 0, len(checkpointMagic)+1+len(sum)+len(body)/2)
	out = append(out, checkpointMagic...)
	out = append(out, checkpointVersion)
	out = append(out, sum[:]...)
	return zstdEnc.EncodeAll(body, out), nil
}

// DecodeCheckpoint parses and verifies a checkpoint's wire form. Any
// structural or checksum failure is ErrCheckpointCorrupt.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	header := len(checkpointMagic) + 1 + 32
	if len(data) < header || !bytes.Equal(data[:len(checkpointMagic)], checkpointMagic) {
		return nil, ErrCheckpointCorrupt
	}
	if data[len(checkpointMagic)] != checkpointVersion {
		return nil, ErrCheckpointCorrupt
	}
	var sum [32]byte
	copy(sum[:], data[len(checkpointMagic)+1:header])

	body, err := zstdDec.DecodeAll(data[header:], nil)
	if err != nil {
		return nil, ErrCheckpointCorrupt
	}
	if blake3.Sum256(body) != sum {
		return nil, ErrCheckpointCorrupt
	}

	var cp Checkpoint
	if err := cborDec.Unmarshal(body, &cp); err != nil {
		return nil, ErrCheckpointCorrupt
	}
	return &cp, nil
}
