package shuffle

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var mergerD = BlockManagerId{ExecutorId: "d", Host: "hostD", Port: 7337}

// recordingPushClient captures dispatched requests so tests can resolve
// blocks by hand.
type recordingPushClient struct {
	mu    sync.Mutex
	calls []recordedPush
}

type recordedPush struct {
	host     string
	port     int
	blockIds []string
	buffers  []*ManagedBuffer
	listener BlockPushListener
}

func (c *recordingPushClient) PushBlocks(host string, port int, blockIds []string, buffers []*ManagedBuffer, listener BlockPushListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, recordedPush{host, port, blockIds, buffers, listener})
}

func (c *recordingPushClient) numCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *recordingPushClient) call(i int) recordedPush {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

// writeDataFile lays partitions out back to back and returns the file path.
func writeDataFile(t *testing.T, partitionLengths []int64) string {
	t.Helper()
	var total int64
	for _, l := range partitionLengths {
		total += l
	}
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "shuffle.data")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func pusherState(p *ShuffleBlockPusher) (queued, deferred int, bytesInFlight int64, reqsInFlight int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.deferredPushRequests {
		deferred += len(q)
	}
	return len(p.pushRequests), deferred, p.bytesInFlight, p.reqsInFlight
}

func TestPrepareBlockPushRequestsSlicing(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBlockSizeToPush = 1000
	conf.MaxBlockBatchSize = 1 << 30
	p := NewShuffleBlockPusher(conf, &recordingPushClient{})

	lengths := []int64{100, 0, 200, 1001, 150}
	requests := p.prepareBlockPushRequests(1, 0, "data", lengths, []BlockManagerId{mergerD})

	// The zero-sized block contributes nothing and keeps contiguity; the
	// oversized block contributes nothing and breaks it.
	require.Len(t, requests, 2)
	require.Equal(t, int64(300), requests[0].Size())
	require.Len(t, requests[0].blocks, 2)
	require.Equal(t, FileSegment{Path: "data", Offset: 0, Length: 300}, requests[0].reqBuffer)
	require.Equal(t, int64(150), requests[1].Size())
	require.Equal(t, FileSegment{Path: "data", Offset: 1301, Length: 150}, requests[1].reqBuffer)

	var total int64
	for _, r := range requests {
		total += r.Size()
	}
	require.Equal(t, int64(450), total)
}

func TestPrepareBlockPushRequestsCaps(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBlockSizeToPush = 1000
	conf.MaxBlockBatchSize = 500
	conf.MaxBlocksInFlightPerAddress = 2
	p := NewShuffleBlockPusher(conf, &recordingPushClient{})

	numParts := 12
	lengths := make([]int64, numParts)
	var pushable int64
	for i := range lengths {
		lengths[i] = int64(100 + i)
		pushable += lengths[i]
	}
	mergers := []BlockManagerId{mergerD, {ExecutorId: "e", Host: "hostE", Port: 7337}}
	requests := p.prepareBlockPushRequests(1, 0, "data", lengths, mergers)

	var total int64
	for _, r := range requests {
		require.LessOrEqual(t, r.Size(), conf.MaxBlockBatchSize)
		require.LessOrEqual(t, len(r.blocks), conf.MaxBlocksInFlightPerAddress)
		total += r.Size()
		// Every block in a request goes to the request's single merger.
		for _, b := range r.blocks {
			reduceId := b.blockId.ReduceId
			mergerId := reduceId * len(mergers) / numParts
			require.Equal(t, mergers[mergerId], r.Dest)
		}
	}
	require.Equal(t, pushable, total)
}

func TestPusherFlowControl(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBlockSizeToPush = 1000
	conf.MaxBlockBatchSize = 700
	conf.MaxBytesInFlight = 1000
	client := &recordingPushClient{}
	p := NewShuffleBlockPusher(conf, client)

	lengths := []int64{600, 600, 600}
	dataFile := writeDataFile(t, lengths)
	p.InitiateBlockPush(dataFile, lengths, 1, 0, []BlockManagerId{mergerD})

	// Only one request fits under maxBytesInFlight.
	require.Equal(t, 1, client.numCalls())
	queued, deferred, bytesInFlight, reqsInFlight := pusherState(p)
	require.Equal(t, 2, queued)
	require.Equal(t, 0, deferred)
	require.Equal(t, int64(600), bytesInFlight)
	require.Equal(t, 1, reqsInFlight)
	require.LessOrEqual(t, bytesInFlight, conf.MaxBytesInFlight)

	// Resolving the in-flight block frees capacity for the next request.
	first := client.call(0)
	require.Equal(t, "hostD", first.host)
	require.Len(t, first.blockIds, 1)
	require.Equal(t, int64(600), first.buffers[0].Size())
	first.listener.OnBlockPushSuccess(first.blockIds[0])

	require.Eventually(t, func() bool { return client.numCalls() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPusherPerAddressLimitDefersRequests(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBlockSizeToPush = 1000
	conf.MaxBlockBatchSize = 150
	conf.MaxBlocksInFlightPerAddress = 1
	client := &recordingPushClient{}
	p := NewShuffleBlockPusher(conf, client)

	lengths := []int64{100, 100}
	dataFile := writeDataFile(t, lengths)
	p.InitiateBlockPush(dataFile, lengths, 1, 0, []BlockManagerId{mergerD})

	// One block in flight maxes the destination out; the second request is
	// deferred rather than dropped.
	require.Equal(t, 1, client.numCalls())
	_, deferred, _, _ := pusherState(p)
	require.Equal(t, 1, deferred)

	first := client.call(0)
	first.listener.OnBlockPushSuccess(first.blockIds[0])
	require.Eventually(t, func() bool { return client.numCalls() == 2 }, 2*time.Second, 5*time.Millisecond)
	_, deferred, _, _ = pusherState(p)
	require.Equal(t, 0, deferred)
}

func TestPusherConnectBlackout(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBlockSizeToPush = 1000
	conf.MaxBlockBatchSize = 700
	conf.MaxBytesInFlight = 1000
	client := &recordingPushClient{}
	p := NewShuffleBlockPusher(conf, client)

	lengths := []int64{600, 600}
	dataFile := writeDataFile(t, lengths)
	p.InitiateBlockPush(dataFile, lengths, 1, 0, []BlockManagerId{mergerD})
	require.Equal(t, 1, client.numCalls())

	first := client.call(0)
	first.listener.OnBlockPushFailure(first.blockIds[0], ErrConnectionFailed)

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.unreachableBlockMgrs[mergerD] && len(p.pushRequests) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, client.numCalls())

	// The unreachable set persists for the pusher's lifetime, so later
	// pushes to the same destination are dropped too.
	p.InitiateBlockPush(dataFile, lengths, 1, 1, []BlockManagerId{mergerD})
	require.Equal(t, 1, client.numCalls())
	queued, deferred, _, _ := pusherState(p)
	require.Equal(t, 0, queued)
	require.Equal(t, 0, deferred)
}

func TestPusherStopsOnFinalizedMerge(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBlockSizeToPush = 1000
	conf.MaxBlockBatchSize = 700
	conf.MaxBytesInFlight = 1000
	client := &recordingPushClient{}
	p := NewShuffleBlockPusher(conf, client)

	lengths := []int64{600, 600}
	dataFile := writeDataFile(t, lengths)
	p.InitiateBlockPush(dataFile, lengths, 1, 0, []BlockManagerId{mergerD})
	require.Equal(t, 1, client.numCalls())

	first := client.call(0)
	first.listener.OnBlockPushFailure(first.blockIds[0],
		errors.New("block shufflePush_1_0_0 "+tooLateBlockPushMessage))

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.stopPushing
	}, 2*time.Second, 5*time.Millisecond)

	// Nothing further is dispatched, including brand new pushes.
	p.InitiateBlockPush(dataFile, lengths, 1, 1, []BlockManagerId{mergerD})
	require.Equal(t, 1, client.numCalls())
}

func TestPusherTransientFailureKeepsPushing(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBlockSizeToPush = 1000
	conf.MaxBlockBatchSize = 700
	conf.MaxBytesInFlight = 1000
	client := &recordingPushClient{}
	p := NewShuffleBlockPusher(conf, client)

	lengths := []int64{600, 600}
	dataFile := writeDataFile(t, lengths)
	p.InitiateBlockPush(dataFile, lengths, 1, 0, []BlockManagerId{mergerD})
	require.Equal(t, 1, client.numCalls())

	first := client.call(0)
	first.listener.OnBlockPushFailure(first.blockIds[0], errors.New("stream interrupted"))
	require.Eventually(t, func() bool { return client.numCalls() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPusherSingleLoadSharedBuffers(t *testing.T) {
	conf := DefaultConf()
	conf.MaxBlockSizeToPush = 1000
	conf.MaxBlockBatchSize = 1 << 30
	client := &recordingPushClient{}
	p := NewShuffleBlockPusher(conf, client)

	lengths := []int64{100, 200, 300}
	dataFile := writeDataFile(t, lengths)
	p.InitiateBlockPush(dataFile, lengths, 1, 0, []BlockManagerId{mergerD})

	require.Equal(t, 1, client.numCalls())
	first := client.call(0)
	require.Len(t, first.buffers, 3)
	require.Equal(t, int64(100), first.buffers[0].Size())
	require.Equal(t, int64(200), first.buffers[1].Size())
	require.Equal(t, int64(300), first.buffers[2].Size())
	// Sub-buffers are views into one shared load of the segment.
	require.Same(t, &first.buffers[0].Bytes()[100:101][0], &first.buffers[1].Bytes()[0])
	require.Equal(t, byte(0), first.buffers[0].Bytes()[0])
	require.Equal(t, byte(100), first.buffers[1].Bytes()[0])
}
