package shuffle

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
)

// BlockManagerId identifies one block manager in the cluster.
// Equality is structural, so it is usable as a map key.
type BlockManagerId struct {
	ExecutorId string
	Host       string
	Port       int
}

func (b BlockManagerId) String() string {
	return fmt.Sprintf("BlockManagerId(%s, %s, %d)", b.ExecutorId, b.Host, b.Port)
}

// MapStatus records where one map task's shuffle output lives and how large
// each reduce block is. There are two physical encodings, chosen by
// NewMapStatus based on the partition count.
type MapStatus interface {
	Location() BlockManagerId
	MapId() int64
	// SizeForBlock returns the estimated size of the given reduce block.
	// Empty blocks always report 0.
	SizeForBlock(reduceId int) int64
	UpdateLocation(loc BlockManagerId)
}

// Above this many partitions the per-block byte encoding costs more than it
// is worth and the averaged encoding takes over.
const minPartitionsToUseHighlyCompress = 2000

// Blocks larger than this keep an exact (log-scale) size in the averaged
// encoding instead of being folded into the average.
const accurateBlockThreshold = 100 * 1024 * 1024

func init() {
	gob.Register(&CompressedMapStatus{})
	gob.Register(&HighlyCompressedMapStatus{})
}

// NewMapStatus picks the encoding for the given size array.
func NewMapStatus(loc BlockManagerId, uncompressedSizes []int64, mapId int64) MapStatus {
	if len(uncompressedSizes) > minPartitionsToUseHighlyCompress {
		return newHighlyCompressedMapStatus(loc, uncompressedSizes, mapId)
	}
	return newCompressedMapStatus(loc, uncompressedSizes, mapId)
}

// CompressedMapStatus stores one byte per reduce block, on a log-1.1 scale.
type CompressedMapStatus struct {
	Loc             BlockManagerId
	CompressedSizes []byte
	MapTaskId       int64
}

func newCompressedMapStatus(loc BlockManagerId, uncompressedSizes []int64, mapId int64) *CompressedMapStatus {
	compressed := make([]byte, len(uncompressedSizes))
	for i, size := range uncompressedSizes {
		compressed[i] = compressSize(size)
	}
	return &CompressedMapStatus{Loc: loc, CompressedSizes: compressed, MapTaskId: mapId}
}

func (s *CompressedMapStatus) Location() BlockManagerId { return s.Loc }
func (s *CompressedMapStatus) MapId() int64             { return s.MapTaskId }

func (s *CompressedMapStatus) SizeForBlock(reduceId int) int64 {
	return decompressSize(s.CompressedSizes[reduceId])
}

func (s *CompressedMapStatus) UpdateLocation(loc BlockManagerId) { s.Loc = loc }

// HighlyCompressedMapStatus tracks which blocks are empty, the average size of
// the non-empty blocks, and exact log-scale sizes for huge blocks only.
type HighlyCompressedMapStatus struct {
	Loc            BlockManagerId
	NumNonEmpty    int
	EmptyBlocks    *roaring.Bitmap
	AvgSize        int64
	HugeBlockSizes map[int]byte
	MapTaskId      int64
}

func newHighlyCompressedMapStatus(loc BlockManagerId, uncompressedSizes []int64, mapId int64) *HighlyCompressedMapStatus {
	empty := roaring.New()
	huge := make(map[int]byte)
	var smallTotal int64
	var numSmall int64
	numNonEmpty := 0
	for i, size := range uncompressedSizes {
		if size == 0 {
			empty.Add(uint32(i))
			continue
		}
		numNonEmpty++
		if size > accurateBlockThreshold {
			huge[i] = compressSize(size)
			continue
		}
		smallTotal += size
		numSmall++
	}
	var avg int64
	if numSmall > 0 {
		avg = smallTotal / numSmall
	}
	empty.RunOptimize()
	return &HighlyCompressedMapStatus{
		Loc:            loc,
		NumNonEmpty:    numNonEmpty,
		EmptyBlocks:    empty,
		AvgSize:        avg,
		HugeBlockSizes: huge,
		MapTaskId:      mapId,
	}
}

func (s *HighlyCompressedMapStatus) Location() BlockManagerId { return s.Loc }
func (s *HighlyCompressedMapStatus) MapId() int64             { return s.MapTaskId }

func (s *HighlyCompressedMapStatus) SizeForBlock(reduceId int) int64 {
	if s.EmptyBlocks.Contains(uint32(reduceId)) {
		return 0
	}
	if c, ok := s.HugeBlockSizes[reduceId]; ok {
		return decompressSize(c)
	}
	return s.AvgSize
}

func (s *HighlyCompressedMapStatus) UpdateLocation(loc BlockManagerId) { s.Loc = loc }

// The bitmap has unexported state, so the struct carries its own gob encoding.
type highlyCompressedWire struct {
	Loc            BlockManagerId
	NumNonEmpty    int
	EmptyBlocks    []byte
	AvgSize        int64
	HugeBlockSizes map[int]byte
	MapTaskId      int64
}

func (s *HighlyCompressedMapStatus) GobEncode() ([]byte, error) {
	bm, err := s.EmptyBlocks.ToBytes()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(&highlyCompressedWire{
		Loc:            s.Loc,
		NumNonEmpty:    s.NumNonEmpty,
		EmptyBlocks:    bm,
		AvgSize:        s.AvgSize,
		HugeBlockSizes: s.HugeBlockSizes,
		MapTaskId:      s.MapTaskId,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *HighlyCompressedMapStatus) GobDecode(data []byte) error {
	var wire highlyCompressedWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return err
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(wire.EmptyBlocks); err != nil {
		return err
	}
	s.Loc = wire.Loc
	s.NumNonEmpty = wire.NumNonEmpty
	s.EmptyBlocks = bm
	s.AvgSize = wire.AvgSize
	s.HugeBlockSizes = wire.HugeBlockSizes
	s.MapTaskId = wire.MapTaskId
	return nil
}

// MergeStatus describes one merged reduce partition: where the merged file
// lives, which map indices made it into the merge, and the merged size.
type MergeStatus struct {
	Loc       BlockManagerId
	Tracker   *roaring.Bitmap
	TotalSize int64
}

func NewMergeStatus(loc BlockManagerId, tracker *roaring.Bitmap, totalSize int64) *MergeStatus {
	return &MergeStatus{Loc: loc, Tracker: tracker, TotalSize: totalSize}
}

func (m *MergeStatus) NumMerged() int {
	return int(m.Tracker.GetCardinality())
}

// MissingMaps returns the map indices in [0, numMaps) absent from the tracker.
// A reducer fetches these as original unmerged blocks.
func (m *MergeStatus) MissingMaps(numMaps int) []int {
	missing := make([]int, 0)
	for i := 0; i < numMaps; i++ {
		if !m.Tracker.Contains(uint32(i)) {
			missing = append(missing, i)
		}
	}
	return missing
}

type mergeStatusWire struct {
	Loc       BlockManagerId
	Tracker   []byte
	TotalSize int64
}

func (m *MergeStatus) GobEncode() ([]byte, error) {
	bm, err := m.Tracker.ToBytes()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(&mergeStatusWire{Loc: m.Loc, Tracker: bm, TotalSize: m.TotalSize})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *MergeStatus) GobDecode(data []byte) error {
	var wire mergeStatusWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return err
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(wire.Tracker); err != nil {
		return err
	}
	m.Loc = wire.Loc
	m.Tracker = bm
	m.TotalSize = wire.TotalSize
	return nil
}

// Sizes travel as one byte on a log-1.1 scale, trading at most ~10% error for
// a fixed-width encoding.
const logBase = 1.1

func compressSize(size int64) byte {
	if size == 0 {
		return 0
	}
	if size <= 1 {
		return 1
	}
	c := math.Ceil(math.Log(float64(size)) / math.Log(logBase))
	if c > 255 {
		c = 255
	}
	return byte(c)
}

func decompressSize(compressed byte) int64 {
	if compressed == 0 {
		return 0
	}
	return int64(math.Pow(logBase, float64(compressed)))
}
