package shuffle

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire messages understood by the block transfer service.

type OpenBlocks struct {
	AppId    string
	ExecId   string
	BlockIds []string
}

type FetchShuffleBlocks struct {
	AppId     string
	ExecId    string
	ShuffleId int
	MapIds    []int64
	// One reduce-id slice per map id. With batch fetch enabled the slice
	// holds (startReduce, endReduce) pairs instead of single ids.
	ReduceIds         [][]int
	BatchFetchEnabled bool
}

type FetchShuffleBlockChunks struct {
	AppId     string
	ExecId    string
	ShuffleId int
	ReduceIds []int
	// One chunk-id slice per reduce id.
	ChunkIds [][]int
}

// StreamHandle is the server's reply: a stream of NumChunks chunks, one per
// requested block.
type StreamHandle struct {
	StreamId  int64
	NumChunks int
}

// BlockFetchingListener receives per-block fetch results.
type BlockFetchingListener interface {
	OnBlockFetchSuccess(blockId string, buf *ManagedBuffer)
	OnBlockFetchFailure(blockId string, err error)
}

// ChunkReceivedCallback receives per-chunk transport results.
type ChunkReceivedCallback interface {
	OnSuccess(chunkIndex int, buf *ManagedBuffer)
	OnFailure(chunkIndex int, err error)
}

// BlockFetchClient is the transport's fetch surface: one rpc opening the
// stream, then per-chunk fetches against the returned handle.
type BlockFetchClient interface {
	SendFetchRequest(message interface{}) (*StreamHandle, error)
	FetchChunk(streamId int64, chunkIndex int, cb ChunkReceivedCallback)
}

// OneForOneBlockFetcher interprets each chunk of one stream as a whole block
// and routes results to the listener. Chunk index i corresponds 1:1 to
// blockIds[i].
type OneForOneBlockFetcher struct {
	client   BlockFetchClient
	message  interface{}
	blockIds []string
	listener BlockFetchingListener
}

func NewOneForOneBlockFetcher(client BlockFetchClient, appId, execId string, blockIds []string,
	listener BlockFetchingListener, useOldFetchProtocol bool) (*OneForOneBlockFetcher, error) {
	if len(blockIds) == 0 {
		return nil, fmt.Errorf("zero-sized blockIds array")
	}
	f := &OneForOneBlockFetcher{client: client, blockIds: blockIds, listener: listener}
	if !useOldFetchProtocol && areShuffleBlocksOrChunks(blockIds) {
		msg, err := createFetchShuffleBlocksOrChunksMsg(appId, execId, blockIds)
		if err != nil {
			return nil, err
		}
		f.message = msg
	} else {
		f.message = &OpenBlocks{AppId: appId, ExecId: execId, BlockIds: blockIds}
	}
	return f, nil
}

// With push-based shuffle a stream is either all unmerged shuffle blocks or
// all merged shuffle chunks, never a mix.
func areShuffleBlocksOrChunks(blockIds []string) bool {
	for _, blockId := range blockIds {
		if !strings.HasPrefix(blockId, shuffleBlockPrefix+"_") &&
			!strings.HasPrefix(blockId, shuffleChunkPrefix+"_") {
			return false
		}
	}
	return true
}

func createFetchShuffleBlocksOrChunksMsg(appId, execId string, blockIds []string) (interface{}, error) {
	if strings.HasPrefix(blockIds[0], shuffleChunkPrefix+"_") {
		return createFetchShuffleBlockChunksMsg(appId, execId, blockIds)
	}
	return createFetchShuffleBlocksMsg(appId, execId, blockIds)
}

func createFetchShuffleBlockChunksMsg(appId, execId string, blockIds []string) (*FetchShuffleBlockChunks, error) {
	firstParts, err := splitBlockId(blockIds[0])
	if err != nil {
		return nil, err
	}
	shuffleId, err := strconv.Atoi(firstParts[1])
	if err != nil {
		return nil, fmt.Errorf("unexpected shuffle block id format: %s", blockIds[0])
	}
	chunksByReduce := make(map[int][]int)
	reduceOrder := make([]int, 0)
	for _, blockId := range blockIds {
		parts, err := splitBlockId(blockId)
		if err != nil {
			return nil, err
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil || id != shuffleId {
			return nil, fmt.Errorf("expected shuffleId=%d, got: %s", shuffleId, blockId)
		}
		reduceId, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("unexpected shuffle block id format: %s", blockId)
		}
		chunkId, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("unexpected shuffle block id format: %s", blockId)
		}
		if _, ok := chunksByReduce[reduceId]; !ok {
			reduceOrder = append(reduceOrder, reduceId)
		}
		chunksByReduce[reduceId] = append(chunksByReduce[reduceId], chunkId)
	}
	chunkIds := make([][]int, len(reduceOrder))
	for i, reduceId := range reduceOrder {
		chunkIds[i] = chunksByReduce[reduceId]
	}
	return &FetchShuffleBlockChunks{
		AppId: appId, ExecId: execId, ShuffleId: shuffleId,
		ReduceIds: reduceOrder, ChunkIds: chunkIds,
	}, nil
}

func createFetchShuffleBlocksMsg(appId, execId string, blockIds []string) (*FetchShuffleBlocks, error) {
	firstParts, err := splitBlockId(blockIds[0])
	if err != nil {
		return nil, err
	}
	shuffleId, err := strconv.Atoi(firstParts[1])
	if err != nil {
		return nil, fmt.Errorf("unexpected shuffle block id format: %s", blockIds[0])
	}
	batchFetchEnabled := len(firstParts) == 5

	reducesByMap := make(map[int64][]int)
	mapOrder := make([]int64, 0)
	for _, blockId := range blockIds {
		parts, err := splitBlockId(blockId)
		if err != nil {
			return nil, err
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil || id != shuffleId {
			return nil, fmt.Errorf("expected shuffleId=%d, got: %s", shuffleId, blockId)
		}
		mapId, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected shuffle block id format: %s", blockId)
		}
		reduceId, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("unexpected shuffle block id format: %s", blockId)
		}
		if _, ok := reducesByMap[mapId]; !ok {
			mapOrder = append(mapOrder, mapId)
		}
		reducesByMap[mapId] = append(reducesByMap[mapId], reduceId)
		if batchFetchEnabled {
			// Batched ids store the reduce range as (start, end) pairs.
			if len(parts) != 5 {
				return nil, fmt.Errorf("unexpected shuffle block id format: %s", blockId)
			}
			endReduceId, err := strconv.Atoi(parts[4])
			if err != nil {
				return nil, fmt.Errorf("unexpected shuffle block id format: %s", blockId)
			}
			reducesByMap[mapId] = append(reducesByMap[mapId], endReduceId)
		}
	}
	reduceIds := make([][]int, len(mapOrder))
	for i, mapId := range mapOrder {
		reduceIds[i] = reducesByMap[mapId]
	}
	return &FetchShuffleBlocks{
		AppId: appId, ExecId: execId, ShuffleId: shuffleId,
		MapIds: mapOrder, ReduceIds: reduceIds, BatchFetchEnabled: batchFetchEnabled,
	}, nil
}

// Start sends the fetch message and, on success, requests every chunk of the
// returned stream.
func (f *OneForOneBlockFetcher) Start() {
	handle, err := f.client.SendFetchRequest(f.message)
	if err != nil {
		logger.Printf("failed while starting block fetches: %v", err)
		f.failRemainingBlocks(f.blockIds, err)
		return
	}
	for i := 0; i < handle.NumChunks; i++ {
		f.client.FetchChunk(handle.StreamId, i, &chunkCallback{fetcher: f})
	}
}

// chunkCallback equates a single chunk to a single block.
type chunkCallback struct {
	fetcher *OneForOneBlockFetcher
}

func (c *chunkCallback) OnSuccess(chunkIndex int, buf *ManagedBuffer) {
	c.fetcher.listener.OnBlockFetchSuccess(c.fetcher.blockIds[chunkIndex], buf)
}

func (c *chunkCallback) OnFailure(chunkIndex int, err error) {
	blockId := c.fetcher.blockIds[chunkIndex]
	if strings.HasPrefix(blockId, shuffleChunkPrefix+"_") {
		// A failed merged chunk is retried by falling back to the original
		// unmerged blocks, so only this chunk fails.
		c.fetcher.listener.OnBlockFetchFailure(blockId, err)
		return
	}
	// The stream is unusable past a failure point: fail this chunk and every
	// one after it.
	c.fetcher.failRemainingBlocks(c.fetcher.blockIds[chunkIndex:], err)
}

func (f *OneForOneBlockFetcher) failRemainingBlocks(failedBlockIds []string, err error) {
	for _, blockId := range failedBlockIds {
		f.listener.OnBlockFetchFailure(blockId, err)
	}
}
