package shuffle

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	shuffleBlockPrefix = "shuffle"
	shuffleChunkPrefix = "shuffleChunk"
	shufflePushPrefix  = "shufflePush"
)

// MergedBlockMapId is the map-id sentinel marking a merged block address.
const MergedBlockMapId int64 = -1

// ShuffleBlockId names one unmerged block: "shuffle_<shuffleId>_<mapId>_<reduceId>".
type ShuffleBlockId struct {
	ShuffleId int
	MapId     int64
	ReduceId  int
}

func (b ShuffleBlockId) String() string {
	return shuffleBlockPrefix + "_" + strconv.Itoa(b.ShuffleId) + "_" +
		strconv.FormatInt(b.MapId, 10) + "_" + strconv.Itoa(b.ReduceId)
}

// ShuffleBlockBatchId names a contiguous reduce range [StartReduceId, EndReduceId):
// "shuffle_<shuffleId>_<mapId>_<startReduce>_<endReduce>".
type ShuffleBlockBatchId struct {
	ShuffleId     int
	MapId         int64
	StartReduceId int
	EndReduceId   int
}

func (b ShuffleBlockBatchId) String() string {
	return shuffleBlockPrefix + "_" + strconv.Itoa(b.ShuffleId) + "_" +
		strconv.FormatInt(b.MapId, 10) + "_" + strconv.Itoa(b.StartReduceId) + "_" +
		strconv.Itoa(b.EndReduceId)
}

// ShuffleBlockChunkId names one chunk of a merged partition:
// "shuffleChunk_<shuffleId>_<reduceId>_<chunkId>".
type ShuffleBlockChunkId struct {
	ShuffleId int
	ReduceId  int
	ChunkId   int
}

func (b ShuffleBlockChunkId) String() string {
	return shuffleChunkPrefix + "_" + strconv.Itoa(b.ShuffleId) + "_" +
		strconv.Itoa(b.ReduceId) + "_" + strconv.Itoa(b.ChunkId)
}

// ShufflePushBlockId names a block on its way to a merger:
// "shufflePush_<shuffleId>_<mapIndex>_<reduceId>".
type ShufflePushBlockId struct {
	ShuffleId int
	MapIndex  int
	ReduceId  int
}

func (b ShufflePushBlockId) String() string {
	return shufflePushPrefix + "_" + strconv.Itoa(b.ShuffleId) + "_" +
		strconv.Itoa(b.MapIndex) + "_" + strconv.Itoa(b.ReduceId)
}

// splitBlockId splits a shuffle or shuffleChunk block id into its parts.
// Single and chunk ids have 4 parts, batched ids have 5. Ids with another
// prefix, or with fewer than 4 or more than 5 parts, are rejected; the part
// count is not checked against the prefix.
func splitBlockId(blockId string) ([]string, error) {
	parts := strings.Split(blockId, "_")
	if len(parts) < 4 || len(parts) > 5 ||
		(parts[0] != shuffleBlockPrefix && parts[0] != shuffleChunkPrefix) {
		return nil, fmt.Errorf("unexpected shuffle block id format: %s", blockId)
	}
	return parts, nil
}
