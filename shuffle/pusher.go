package shuffle

import (
	"math/rand"
	"runtime"
	"sync"
)

// BlockPushListener receives per-block results from the transport. Callbacks
// run on transport threads and must not re-enter the pusher directly; the
// listener implementation below hands off through the push thread pool.
type BlockPushListener interface {
	OnBlockPushSuccess(blockId string)
	OnBlockPushFailure(blockId string, err error)
}

// BlockPushClient is the transport's push surface.
type BlockPushClient interface {
	PushBlocks(host string, port int, blockIds []string, buffers []*ManagedBuffer, listener BlockPushListener)
}

// pushBlock is one block inside a push request.
type pushBlock struct {
	blockId ShufflePushBlockId
	size    int64
}

// PushRequest carries a contiguous run of blocks destined for one merger.
// The blocks are contiguous bytes of the source data file, covered by
// reqBuffer.
type PushRequest struct {
	Dest      BlockManagerId
	blocks    []pushBlock
	reqBuffer FileSegment
	size      int64
}

func (r *PushRequest) Size() int64 { return r.size }

// The push pool is process-wide and shared by every pusher instance, created
// on first use once push shuffle is enabled.
var (
	pushPoolOnce  sync.Once
	pushPoolTasks *Queue[func()]
)

func pushThreadPool(numThreads int) *Queue[func()] {
	pushPoolOnce.Do(func() {
		if numThreads <= 0 {
			numThreads = runtime.NumCPU()
		}
		pushPoolTasks = NewQueue[func()]()
		for i := 0; i < numThreads; i++ {
			go func() {
				for {
					task := pushPoolTasks.Dequeue()
					task()
				}
			}()
		}
	})
	return pushPoolTasks
}

// ShuffleBlockPusher pushes one completed map task's shuffle data to the
// mergers, throttled globally (bytes and requests in flight) and per
// destination (blocks in flight).
type ShuffleBlockPusher struct {
	conf   *ShuffleConf
	client BlockPushClient
	pool   *Queue[func()]

	// All fields below are guarded by mu.
	mu                   sync.Mutex
	pushRequests         []*PushRequest
	deferredPushRequests map[BlockManagerId][]*PushRequest
	bytesInFlight        int64
	reqsInFlight         int
	blocksInFlight       map[BlockManagerId]int
	unreachableBlockMgrs map[BlockManagerId]bool
	stopPushing          bool
}

func NewShuffleBlockPusher(conf *ShuffleConf, client BlockPushClient) *ShuffleBlockPusher {
	return &ShuffleBlockPusher{
		conf:                 conf,
		client:               client,
		pool:                 pushThreadPool(conf.NumPushThreads),
		deferredPushRequests: make(map[BlockManagerId][]*PushRequest),
		blocksInFlight:       make(map[BlockManagerId]int),
		unreachableBlockMgrs: make(map[BlockManagerId]bool),
	}
}

// InitiateBlockPush slices the map task's data file into push requests,
// shuffles their order, and starts dispatching.
func (p *ShuffleBlockPusher) InitiateBlockPush(dataFile string, partitionLengths []int64, shuffleId, mapIndex int, mergerLocs []BlockManagerId) {
	requests := p.prepareBlockPushRequests(shuffleId, mapIndex, dataFile, partitionLengths, mergerLocs)
	// Randomize so concurrent mappers don't pound the same merger in the
	// same order.
	rand.Shuffle(len(requests), func(i, j int) {
		requests[i], requests[j] = requests[j], requests[i]
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushRequests = append(p.pushRequests, requests...)
	p.pushUpToMax()
}

// prepareBlockPushRequests walks the partition lengths once, assigning each
// partition to its merger and greedily grouping contiguous blocks.
func (p *ShuffleBlockPusher) prepareBlockPushRequests(shuffleId, mapIndex int, dataFile string, partitionLengths []int64, mergerLocs []BlockManagerId) []*PushRequest {
	numPartitions := len(partitionLengths)
	numMergers := len(mergerLocs)
	if numMergers == 0 {
		return nil
	}

	var requests []*PushRequest
	var cur []pushBlock
	var curSize int64
	var curStart int64
	curMerger := -1

	flush := func() {
		if len(cur) == 0 {
			return
		}
		requests = append(requests, &PushRequest{
			Dest:      mergerLocs[curMerger],
			blocks:    cur,
			reqBuffer: FileSegment{Path: dataFile, Offset: curStart, Length: curSize},
			size:      curSize,
		})
		cur = nil
		curSize = 0
		curMerger = -1
	}

	var offset int64
	for reduceId, length := range partitionLengths {
		blockOffset := offset
		offset += length
		if length == 0 {
			// Zero-sized blocks occupy no bytes, so they don't break
			// contiguity either.
			continue
		}
		if length > p.conf.MaxBlockSizeToPush {
			// Too large to push; left for pull fallback. Its bytes break
			// the contiguous run.
			flush()
			continue
		}
		// All mappers compute the same partition-to-merger assignment.
		mergerId := reduceId * numMergers / numPartitions
		if mergerId > numMergers-1 {
			mergerId = numMergers - 1
		}
		if len(cur) > 0 &&
			(mergerId != curMerger ||
				curSize+length > p.conf.MaxBlockBatchSize ||
				len(cur) >= p.conf.MaxBlocksInFlightPerAddress) {
			flush()
		}
		if len(cur) == 0 {
			curStart = blockOffset
			curMerger = mergerId
		}
		cur = append(cur, pushBlock{
			blockId: ShufflePushBlockId{ShuffleId: shuffleId, MapIndex: mapIndex, ReduceId: reduceId},
			size:    length,
		})
		curSize += length
	}
	flush()
	return requests
}

// pushUpToMax drains as many requests as flow control admits. Caller holds mu
// for the whole pass; the queue operations are cheap.
func (p *ShuffleBlockPusher) pushUpToMax() {
	if p.stopPushing {
		return
	}

	// Deferred requests get the first shot at freed-up capacity.
	for dest, queue := range p.deferredPushRequests {
		for len(queue) > 0 && !p.stopPushing {
			req := queue[0]
			if !p.admissible(req) || p.maxedOut(dest, req) {
				break
			}
			queue = queue[1:]
			p.sendRequest(req)
		}
		if len(queue) == 0 {
			delete(p.deferredPushRequests, dest)
		} else {
			p.deferredPushRequests[dest] = queue
		}
	}

	for len(p.pushRequests) > 0 && !p.stopPushing {
		req := p.pushRequests[0]
		if !p.admissible(req) {
			break
		}
		p.pushRequests = p.pushRequests[1:]
		if p.unreachableBlockMgrs[req.Dest] {
			logger.Printf("dropping push request of %d blocks to unreachable %s", len(req.blocks), req.Dest)
			continue
		}
		if p.maxedOut(req.Dest, req) {
			p.deferredPushRequests[req.Dest] = append(p.deferredPushRequests[req.Dest], req)
			continue
		}
		p.sendRequest(req)
	}
}

// admissible applies the global throttles. The first request always goes out
// even if it alone exceeds the byte budget.
func (p *ShuffleBlockPusher) admissible(req *PushRequest) bool {
	if p.bytesInFlight == 0 {
		return true
	}
	return p.reqsInFlight+1 <= p.conf.MaxReqsInFlight &&
		p.bytesInFlight+req.size <= p.conf.MaxBytesInFlight
}

// maxedOut applies the per-destination block throttle.
func (p *ShuffleBlockPusher) maxedOut(dest BlockManagerId, req *PushRequest) bool {
	return p.blocksInFlight[dest]+len(req.blocks) > p.conf.MaxBlocksInFlightPerAddress
}

// inFlightRequest tracks one dispatched request until its last block resolves.
type inFlightRequest struct {
	dest      BlockManagerId
	sizes     map[string]int64
	remaining map[string]bool
}

// sendRequest dispatches one request. Caller holds mu.
func (p *ShuffleBlockPusher) sendRequest(req *PushRequest) {
	p.bytesInFlight += req.size
	p.reqsInFlight++
	p.blocksInFlight[req.Dest] += len(req.blocks)

	inFlight := &inFlightRequest{
		dest:      req.Dest,
		sizes:     make(map[string]int64, len(req.blocks)),
		remaining: make(map[string]bool, len(req.blocks)),
	}
	blockIds := make([]string, len(req.blocks))
	for i, b := range req.blocks {
		id := b.blockId.String()
		blockIds[i] = id
		inFlight.sizes[id] = b.size
		inFlight.remaining[id] = true
	}
	listener := &pushResultListener{pusher: p, req: inFlight}

	// One copy from disk regardless of block count; per-block buffers are
	// views into the shared slice.
	data, err := req.reqBuffer.Load()
	if err != nil {
		logger.Printf("failed to load push request buffer %s [%d, %d): %v",
			req.reqBuffer.Path, req.reqBuffer.Offset, req.reqBuffer.Offset+req.reqBuffer.Length, err)
		for _, id := range blockIds {
			listener.OnBlockPushFailure(id, err)
		}
		return
	}
	shared := NewManagedBuffer(data)
	buffers := make([]*ManagedBuffer, len(req.blocks))
	var blockOffset int64
	for i, b := range req.blocks {
		buffers[i] = shared.slice(blockOffset, b.size)
		blockOffset += b.size
	}
	p.client.PushBlocks(req.Dest.Host, req.Dest.Port, blockIds, buffers, listener)
}

// pushResultListener runs on transport threads; it only enqueues work onto
// the push pool, which owns all pusher state transitions.
type pushResultListener struct {
	pusher *ShuffleBlockPusher
	req    *inFlightRequest
}

func (l *pushResultListener) OnBlockPushSuccess(blockId string) {
	l.pusher.pool.Enqueue(func() { l.pusher.handlePushResult(l.req, blockId, nil) })
}

func (l *pushResultListener) OnBlockPushFailure(blockId string, err error) {
	l.pusher.pool.Enqueue(func() { l.pusher.handlePushResult(l.req, blockId, err) })
}

func (p *ShuffleBlockPusher) handlePushResult(req *inFlightRequest, blockId string, pushErr error) {
	if p.updateStateAndCheckIfPushMore(req, blockId, pushErr) {
		p.mu.Lock()
		p.pushUpToMax()
		p.mu.Unlock()
	}
}

// updateStateAndCheckIfPushMore resolves one block's outcome and reports
// whether the dispatch loop should run again: true once the request's last
// block resolved and queued work remains.
func (p *ShuffleBlockPusher) updateStateAndCheckIfPushMore(req *inFlightRequest, blockId string, pushErr error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.remaining[blockId] {
		delete(req.remaining, blockId)
		p.bytesInFlight -= req.sizes[blockId]
		p.blocksInFlight[req.dest]--
		if len(req.remaining) == 0 {
			p.reqsInFlight--
		}
	}

	if pushErr != nil {
		switch {
		case isConnectError(pushErr):
			if !p.unreachableBlockMgrs[req.dest] {
				p.unreachableBlockMgrs[req.dest] = true
				removed := p.dropQueuedRequestsTo(req.dest)
				logger.Printf("connect failure pushing to %s, dropped %d queued push requests and stopped pushing to it: %v",
					req.dest, removed, pushErr)
			}
		case isTooLate(pushErr):
			// The merger finalized; nothing further will be accepted.
			logger.Printf("merge finalized for %s, stopping all pushes: %v", req.dest, pushErr)
			p.stopPushing = true
			return false
		default:
			// Retryable; the transport applies its own retry policy.
			logger.Printf("failed to push block %s to %s: %v", blockId, req.dest, pushErr)
		}
	}

	if p.stopPushing {
		return false
	}
	return len(req.remaining) == 0 &&
		(len(p.pushRequests) > 0 || len(p.deferredPushRequests) > 0)
}

// dropQueuedRequestsTo sweeps both queues, removing every request targeting
// dest. Caller holds mu.
func (p *ShuffleBlockPusher) dropQueuedRequestsTo(dest BlockManagerId) int {
	removed := 0
	kept := p.pushRequests[:0]
	for _, req := range p.pushRequests {
		if req.Dest == dest {
			removed++
			continue
		}
		kept = append(kept, req)
	}
	p.pushRequests = kept
	if deferred, ok := p.deferredPushRequests[dest]; ok {
		removed += len(deferred)
		delete(p.deferredPushRequests, dest)
	}
	return removed
}
