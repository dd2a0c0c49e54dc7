package shuffle

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"

	cmap "github.com/orcaman/concurrent-map"
)

// statusRequest asks the dispatcher pool to serialize one shuffle's statuses.
// The poison request shuts the pool down; each worker re-enqueues it before
// exiting so its peers see it too.
type statusRequest struct {
	shuffleId   int
	isMapOutput bool
	poison      bool
	done        chan statusResult
}

type statusResult struct {
	payload []byte
	err     error
}

// MapOutputTrackerMaster is the driver-side registry of every shuffle's map
// and merge outputs. Status-serialization requests go through a dedicated
// worker pool so a slow serialization (disk, broadcast publish) never starves
// the transport's own dispatcher.
type MapOutputTrackerMaster struct {
	conf       *ShuffleConf
	codec      Codec
	broadcasts *BroadcastManager

	shuffleStatuses cmap.ConcurrentMap
	requests        *Queue[statusRequest]

	epoch     int64
	epochLock sync.Mutex
}

func NewMapOutputTrackerMaster(conf *ShuffleConf, broadcasts *BroadcastManager) (*MapOutputTrackerMaster, error) {
	if conf.MinSizeForBroadcast > conf.MaxRpcMessageSize {
		return nil, fmt.Errorf(
			"shuffle.mapOutput.minSizeForBroadcast (%d) must be <= rpc message max size (%d); "+
				"large statuses sent directly would fail the rpc layer",
			conf.MinSizeForBroadcast, conf.MaxRpcMessageSize)
	}
	t := &MapOutputTrackerMaster{
		conf:            conf,
		codec:           CodecByName(conf.MapStatusCompressionCodec),
		broadcasts:      broadcasts,
		shuffleStatuses: cmap.New(),
		requests:        NewQueue[statusRequest](),
	}
	threads := conf.DispatcherNumThreads
	if threads <= 0 {
		threads = 8
	}
	for i := 0; i < threads; i++ {
		go t.dispatchLoop()
	}
	return t, nil
}

func (t *MapOutputTrackerMaster) dispatchLoop() {
	for {
		req := t.requests.Dequeue()
		if req.poison {
			t.requests.Enqueue(req)
			return
		}
		status, ok := t.getShuffleStatus(req.shuffleId)
		if !ok {
			req.done <- statusResult{err: fmt.Errorf("no output statuses registered for shuffle %d", req.shuffleId)}
			continue
		}
		payload, err := status.SerializedOutputStatus(req.isMapOutput, t.codec, t.conf.MinSizeForBroadcast)
		req.done <- statusResult{payload: payload, err: err}
	}
}

// post hands a status request to the dispatcher pool.
func (t *MapOutputTrackerMaster) post(req statusRequest) {
	t.requests.Enqueue(req)
}

func shuffleKey(shuffleId int) string { return strconv.Itoa(shuffleId) }

func (t *MapOutputTrackerMaster) getShuffleStatus(shuffleId int) (*ShuffleStatus, bool) {
	v, ok := t.shuffleStatuses.Get(shuffleKey(shuffleId))
	if !ok {
		return nil, false
	}
	return v.(*ShuffleStatus), true
}

// RegisterShuffle creates the bookkeeping for a new shuffle. Registering an
// id twice is a programming error.
func (t *MapOutputTrackerMaster) RegisterShuffle(shuffleId, numMaps, numReducers int) {
	status := newShuffleStatus(shuffleId, numMaps, numReducers, t.broadcasts)
	if !t.shuffleStatuses.SetIfAbsent(shuffleKey(shuffleId), status) {
		panic(fmt.Sprintf("shuffle ID %d registered twice", shuffleId))
	}
}

func (t *MapOutputTrackerMaster) RegisterMapOutput(shuffleId, mapIndex int, status MapStatus) {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok {
		panic(fmt.Sprintf("asked to register map output for unknown shuffle %d", shuffleId))
	}
	s.AddMapOutput(mapIndex, status)
}

// UpdateMapOutput relocates a migrated map output. Unknown shuffles are
// logged and ignored, tasks may race with a stage abort.
func (t *MapOutputTrackerMaster) UpdateMapOutput(shuffleId int, mapId int64, loc BlockManagerId) {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok {
		logger.Printf("asked to update map output for unknown shuffle %d", shuffleId)
		return
	}
	s.UpdateMapOutput(mapId, loc)
	t.IncrementEpoch()
}

func (t *MapOutputTrackerMaster) UnregisterMapOutput(shuffleId, mapIndex int, bmAddr BlockManagerId) {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok {
		panic(fmt.Sprintf("asked to unregister map output for unknown shuffle %d", shuffleId))
	}
	s.RemoveMapOutput(mapIndex, bmAddr)
	t.IncrementEpoch()
}

// UnregisterAllMapAndMergeOutput drops every map and merge output of a
// shuffle, typically after the whole stage must be retried.
func (t *MapOutputTrackerMaster) UnregisterAllMapAndMergeOutput(shuffleId int) {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok {
		panic(fmt.Sprintf("asked to unregister outputs for unknown shuffle %d", shuffleId))
	}
	s.RemoveOutputsByFilter(func(BlockManagerId) bool { return true })
	t.IncrementEpoch()
}

func (t *MapOutputTrackerMaster) RegisterMergeResult(shuffleId, reduceId int, status *MergeStatus) {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok {
		panic(fmt.Sprintf("asked to register merge result for unknown shuffle %d", shuffleId))
	}
	s.AddMergeResult(reduceId, status)
}

func (t *MapOutputTrackerMaster) UnregisterMergeResult(shuffleId, reduceId int, bmAddr BlockManagerId) {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok {
		panic(fmt.Sprintf("asked to unregister merge result for unknown shuffle %d", shuffleId))
	}
	s.RemoveMergeResult(reduceId, bmAddr)
	t.IncrementEpoch()
}

// UnregisterShuffle removes a shuffle entirely, destroying any cached
// broadcast payloads.
func (t *MapOutputTrackerMaster) UnregisterShuffle(shuffleId int) {
	v, ok := t.shuffleStatuses.Pop(shuffleKey(shuffleId))
	if !ok {
		return
	}
	status := v.(*ShuffleStatus)
	status.InvalidateSerializedMapOutputStatusCache()
	status.InvalidateSerializedMergeOutputStatusCache()
}

// RemoveOutputsOnHost discards all outputs (map and merge) hosted on the
// given host, across every shuffle.
func (t *MapOutputTrackerMaster) RemoveOutputsOnHost(host string) {
	for item := range t.shuffleStatuses.IterBuffered() {
		item.Val.(*ShuffleStatus).RemoveOutputsByFilter(func(bm BlockManagerId) bool {
			return bm.Host == host
		})
	}
	t.IncrementEpoch()
}

// RemoveOutputsOnExecutor discards all outputs registered by one executor.
func (t *MapOutputTrackerMaster) RemoveOutputsOnExecutor(execId string) {
	for item := range t.shuffleStatuses.IterBuffered() {
		item.Val.(*ShuffleStatus).RemoveOutputsByFilter(func(bm BlockManagerId) bool {
			return bm.ExecutorId == execId
		})
	}
	t.IncrementEpoch()
}

func (t *MapOutputTrackerMaster) ContainsShuffle(shuffleId int) bool {
	return t.shuffleStatuses.Has(shuffleKey(shuffleId))
}

func (t *MapOutputTrackerMaster) GetNumAvailableOutputs(shuffleId int) int {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok {
		return 0
	}
	return s.NumAvailableMapOutputs()
}

func (t *MapOutputTrackerMaster) GetNumAvailableMergeResults(shuffleId int) int {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok {
		return 0
	}
	return s.NumAvailableMergeResults()
}

// GetEpoch returns the current epoch, included in reducer task descriptors.
func (t *MapOutputTrackerMaster) GetEpoch() int64 {
	t.epochLock.Lock()
	defer t.epochLock.Unlock()
	return t.epoch
}

// IncrementEpoch bumps the epoch. Called on every removal or migration so
// reducers drop stale cached views; additions do not bump since a prior
// correct fetch stays correct.
func (t *MapOutputTrackerMaster) IncrementEpoch() {
	t.epochLock.Lock()
	defer t.epochLock.Unlock()
	t.epoch++
	logger.Printf("increasing epoch to %d", t.epoch)
}

// GetPreferredLocationsForShuffle returns hosts worth scheduling the given
// reduce partition on. A sufficiently complete merged partition pins the
// merger's host; smaller jobs fall back to the hosts holding the largest
// share of the partition's bytes.
func (t *MapOutputTrackerMaster) GetPreferredLocationsForShuffle(shuffleId, reducerId int) []string {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok || !t.conf.ReduceLocalityEnabled {
		return nil
	}
	if t.conf.PushBasedShuffleEnabled {
		merges := s.MergeStatuses()
		if reducerId < len(merges) && merges[reducerId] != nil {
			ms := merges[reducerId]
			missing := float64(s.NumMaps()-ms.NumMerged()) / float64(s.NumMaps())
			if missing <= reducerPrefLocsFraction {
				return []string{ms.Loc.Host}
			}
		}
	}
	if s.NumMaps() < shufflePrefMapThreshold && s.NumReducers() < shufflePrefReduceThreshold {
		locs := t.getLocationsWithLargestOutputs(s, reducerId, mapOutputFractionThreshold)
		hosts := make([]string, 0, len(locs))
		for _, loc := range locs {
			hosts = append(hosts, loc.Host)
		}
		return hosts
	}
	return nil
}

// getLocationsWithLargestOutputs returns the block managers holding at least
// fractionThreshold of the partition's total bytes.
func (t *MapOutputTrackerMaster) getLocationsWithLargestOutputs(s *ShuffleStatus, reducerId int, fractionThreshold float64) []BlockManagerId {
	statuses := s.MapStatuses()
	sizeByLoc := make(map[BlockManagerId]int64)
	order := make([]BlockManagerId, 0)
	var total int64
	for _, status := range statuses {
		if status == nil {
			continue
		}
		size := status.SizeForBlock(reducerId)
		if size == 0 {
			continue
		}
		loc := status.Location()
		if _, seen := sizeByLoc[loc]; !seen {
			order = append(order, loc)
		}
		sizeByLoc[loc] += size
		total += size
	}
	if total == 0 {
		return nil
	}
	out := make([]BlockManagerId, 0)
	for _, loc := range order {
		if float64(sizeByLoc[loc])/float64(total) >= fractionThreshold {
			out = append(out, loc)
		}
	}
	return out
}

// MapOutputStatistics aggregates output bytes per reduce partition.
type MapOutputStatistics struct {
	ShuffleId          int
	BytesByPartitionId []int64
}

// GetStatistics sums sizes per reduce partition across all maps, in parallel
// when the status matrix is large enough to be worth it.
func (t *MapOutputTrackerMaster) GetStatistics(shuffleId int) (*MapOutputStatistics, error) {
	s, ok := t.getShuffleStatus(shuffleId)
	if !ok {
		return nil, fmt.Errorf("no output statuses registered for shuffle %d", shuffleId)
	}
	statuses := s.MapStatuses()
	numReducers := s.NumReducers()
	totalSizes := make([]int64, numReducers)

	cells := int64(len(statuses)) * int64(numReducers)
	if cells <= t.conf.ParallelAggregationThreshold {
		for _, status := range statuses {
			if status == nil {
				continue
			}
			for p := 0; p < numReducers; p++ {
				totalSizes[p] += status.SizeForBlock(p)
			}
		}
		return &MapOutputStatistics{ShuffleId: shuffleId, BytesByPartitionId: totalSizes}, nil
	}

	parallelism := int(cells/t.conf.ParallelAggregationThreshold) + 1
	if cores := runtime.NumCPU(); parallelism > cores {
		parallelism = cores
	}
	var wg sync.WaitGroup
	for _, bucket := range equallyDivide(numReducers, parallelism) {
		start, end := bucket[0], bucket[1]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, status := range statuses {
				if status == nil {
					continue
				}
				for p := start; p < end; p++ {
					totalSizes[p] += status.SizeForBlock(p)
				}
			}
		}()
	}
	wg.Wait()
	return &MapOutputStatistics{ShuffleId: shuffleId, BytesByPartitionId: totalSizes}, nil
}

// equallyDivide splits [0, numElements) into numBuckets contiguous ranges.
// Sizes differ by at most one, with the wider ranges first.
func equallyDivide(numElements, numBuckets int) [][2]int {
	if numBuckets < 1 {
		numBuckets = 1
	}
	q := numElements / numBuckets
	r := numElements % numBuckets
	out := make([][2]int, 0, numBuckets)
	start := 0
	for i := 0; i < numBuckets; i++ {
		size := q
		if i < r {
			size++
		}
		out = append(out, [2]int{start, start + size})
		start += size
	}
	return out
}

// Stop shuts the dispatcher pool down and drops all registered shuffles,
// destroying their cached broadcasts.
func (t *MapOutputTrackerMaster) Stop() {
	t.requests.Enqueue(statusRequest{poison: true})
	for _, key := range t.shuffleStatuses.Keys() {
		v, ok := t.shuffleStatuses.Pop(key)
		if !ok {
			continue
		}
		status := v.(*ShuffleStatus)
		status.InvalidateSerializedMapOutputStatusCache()
		status.InvalidateSerializedMergeOutputStatusCache()
	}
}
