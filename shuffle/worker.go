package shuffle

import (
	"errors"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// EndMapIndexAll as endMapIndex means "through the last map".
const EndMapIndexAll = math.MaxInt32

// Number of mutexes in the per-shuffle keyed lock. Fetches for the same
// shuffle id serialize so only one RPC round-trip happens; different shuffles
// proceed in parallel.
const fetchLockStripes = 32

// MapOutputTrackerWorker is the executor-side cache of map and merge output
// statuses, filled lazily from the driver endpoint.
type MapOutputTrackerWorker struct {
	conf       *ShuffleConf
	codec      Codec
	client     trackerClient
	broadcasts *BroadcastManager

	cacheMu       sync.RWMutex
	mapStatuses   map[int][]MapStatus
	mergeStatuses map[int][]*MergeStatus

	epoch     int64
	epochLock sync.Mutex

	fetchLocks [fetchLockStripes]sync.Mutex
}

func NewMapOutputTrackerWorker(conf *ShuffleConf, client trackerClient, broadcasts *BroadcastManager) *MapOutputTrackerWorker {
	return &MapOutputTrackerWorker{
		conf:          conf,
		codec:         CodecByName(conf.MapStatusCompressionCodec),
		client:        client,
		broadcasts:    broadcasts,
		mapStatuses:   make(map[int][]MapStatus),
		mergeStatuses: make(map[int][]*MergeStatus),
	}
}

func (w *MapOutputTrackerWorker) fetchLock(shuffleId int) *sync.Mutex {
	return &w.fetchLocks[((shuffleId%fetchLockStripes)+fetchLockStripes)%fetchLockStripes]
}

func (w *MapOutputTrackerWorker) cachedStatuses(shuffleId int) ([]MapStatus, []*MergeStatus, bool) {
	w.cacheMu.RLock()
	defer w.cacheMu.RUnlock()
	maps, ok := w.mapStatuses[shuffleId]
	if !ok {
		return nil, nil, false
	}
	if w.conf.PushBasedShuffleEnabled {
		merges, ok := w.mergeStatuses[shuffleId]
		if !ok {
			return nil, nil, false
		}
		return maps, merges, true
	}
	return maps, nil, true
}

// getStatuses returns the statuses for a shuffle, fetching them from the
// driver on a cache miss. The keyed lock coalesces concurrent first-time
// fetches of the same shuffle into one round-trip.
func (w *MapOutputTrackerWorker) getStatuses(shuffleId int) ([]MapStatus, []*MergeStatus, error) {
	if maps, merges, ok := w.cachedStatuses(shuffleId); ok {
		return maps, merges, nil
	}

	lock := w.fetchLock(shuffleId)
	lock.Lock()
	defer lock.Unlock()
	if maps, merges, ok := w.cachedStatuses(shuffleId); ok {
		return maps, merges, nil
	}

	logger.Printf("don't have map outputs for shuffle %d, fetching them", shuffleId)
	payload, err := w.client.GetMapOutputStatuses(shuffleId)
	if err != nil {
		return nil, nil, &MetadataFetchFailedError{
			ShuffleId: shuffleId, ReduceId: -1,
			Message: "failed to fetch map output statuses: " + err.Error(),
		}
	}
	maps, err := decodeMapStatuses(payload, w.codec, w.broadcasts)
	if err != nil {
		return nil, nil, &MetadataFetchFailedError{
			ShuffleId: shuffleId, ReduceId: -1,
			Message: "failed to decode map output statuses: " + err.Error(),
		}
	}

	var merges []*MergeStatus
	if w.conf.PushBasedShuffleEnabled {
		mergePayload, err := w.client.GetMergeResultStatuses(shuffleId)
		if err != nil {
			return nil, nil, &MetadataFetchFailedError{
				ShuffleId: shuffleId, ReduceId: -1,
				Message: "failed to fetch merge result statuses: " + err.Error(),
			}
		}
		merges, err = decodeMergeStatuses(mergePayload, w.codec, w.broadcasts)
		if err != nil {
			return nil, nil, &MetadataFetchFailedError{
				ShuffleId: shuffleId, ReduceId: -1,
				Message: "failed to decode merge result statuses: " + err.Error(),
			}
		}
	}

	w.cacheMu.Lock()
	w.mapStatuses[shuffleId] = maps
	if w.conf.PushBasedShuffleEnabled {
		w.mergeStatuses[shuffleId] = merges
	}
	w.cacheMu.Unlock()
	return maps, merges, nil
}

// GetMapSizesByExecutorId returns the fetch plan for map range
// [startMapIndex, endMapIndex) and partition range [startPartition,
// endPartition), grouped by block manager. A stale or partial status view
// purges the caches before surfacing the metadata failure.
func (w *MapOutputTrackerWorker) GetMapSizesByExecutorId(shuffleId, startMapIndex, endMapIndex, startPartition, endPartition int) ([]ShuffleFetchGroup, error) {
	maps, merges, err := w.getStatuses(shuffleId)
	if err != nil {
		w.purgeCachesOnMetadataFailure(err)
		return nil, err
	}
	if endMapIndex == EndMapIndexAll || endMapIndex > len(maps) {
		endMapIndex = len(maps)
	}
	groups, err := convertMapStatuses(shuffleId, startPartition, endPartition, maps, startMapIndex, endMapIndex, merges)
	if err != nil {
		w.purgeCachesOnMetadataFailure(err)
		return nil, err
	}
	return groups, nil
}

// GetMapSizesForMergeResult builds the unmerged fallback plan for a merged
// partition that failed to fetch. With a nil chunkTracker the whole merged
// partition's tracker is used; otherwise only the chunk's bitmap.
func (w *MapOutputTrackerWorker) GetMapSizesForMergeResult(shuffleId, partitionId int, chunkTracker *roaring.Bitmap) ([]ShuffleFetchGroup, error) {
	maps, merges, err := w.getStatuses(shuffleId)
	if err != nil {
		w.purgeCachesOnMetadataFailure(err)
		return nil, err
	}
	if partitionId >= len(merges) || merges[partitionId] == nil {
		err := &MetadataFetchFailedError{
			ShuffleId: shuffleId, ReduceId: partitionId,
			Message: "missing merge status for merged block fallback",
		}
		w.purgeCachesOnMetadataFailure(err)
		return nil, err
	}
	tracker := chunkTracker
	if tracker == nil {
		tracker = merges[partitionId].Tracker
	}

	groups := newFetchGroupBuilder()
	it := tracker.Iterator()
	for it.HasNext() {
		mapIndex := int(it.Next())
		if mapIndex >= len(maps) || maps[mapIndex] == nil {
			err := &MetadataFetchFailedError{
				ShuffleId: shuffleId, ReduceId: partitionId,
				Message: "missing map status for merged block fallback",
			}
			w.purgeCachesOnMetadataFailure(err)
			return nil, err
		}
		status := maps[mapIndex]
		size := status.SizeForBlock(partitionId)
		if size == 0 {
			continue
		}
		blockId := ShuffleBlockId{ShuffleId: shuffleId, MapId: status.MapId(), ReduceId: partitionId}
		groups.add(status.Location(), BlockFetchInfo{BlockId: blockId.String(), Size: size, MapIndex: mapIndex})
	}
	return groups.build(), nil
}

func (w *MapOutputTrackerWorker) purgeCachesOnMetadataFailure(err error) {
	var mf *MetadataFetchFailedError
	if !errors.As(err, &mf) {
		return
	}
	w.cacheMu.Lock()
	w.mapStatuses = make(map[int][]MapStatus)
	w.mergeStatuses = make(map[int][]*MergeStatus)
	w.cacheMu.Unlock()
}

// UpdateEpoch clears both caches when the driver's epoch has advanced past
// the locally known one.
func (w *MapOutputTrackerWorker) UpdateEpoch(newEpoch int64) {
	w.epochLock.Lock()
	defer w.epochLock.Unlock()
	if newEpoch > w.epoch {
		logger.Printf("updating epoch to %d and clearing cache", newEpoch)
		w.epoch = newEpoch
		w.cacheMu.Lock()
		w.mapStatuses = make(map[int][]MapStatus)
		w.mergeStatuses = make(map[int][]*MergeStatus)
		w.cacheMu.Unlock()
	}
}

func (w *MapOutputTrackerWorker) GetEpoch() int64 {
	w.epochLock.Lock()
	defer w.epochLock.Unlock()
	return w.epoch
}

// UnregisterShuffle drops one shuffle's cached statuses.
func (w *MapOutputTrackerWorker) UnregisterShuffle(shuffleId int) {
	w.cacheMu.Lock()
	delete(w.mapStatuses, shuffleId)
	delete(w.mergeStatuses, shuffleId)
	w.cacheMu.Unlock()
}
