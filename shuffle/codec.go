package shuffle

import (
	"github.com/klauspost/compress/zstd"
)

// Codec compresses serialized status payloads. Implementations are looked up
// by name; an unknown name resolves to the no-op codec.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// EncodeAll/DecodeAll with nil goroutine-local state are safe for
	// concurrent use on a shared encoder pair.
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

type noopCodec struct{}

func (noopCodec) Name() string                           { return "none" }
func (noopCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noopCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

var codecRegistry = map[string]Codec{
	"zstd": zstdCodec{},
	"none": noopCodec{},
}

// CodecByName resolves a codec by config name, falling back to the no-op
// codec for unknown names.
func CodecByName(name string) Codec {
	if c, ok := codecRegistry[name]; ok {
		return c
	}
	logger.Printf("unknown compression codec %q, falling back to none", name)
	return noopCodec{}
}
