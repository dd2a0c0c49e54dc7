package shuffle

import "sync"

// ShuffleStatus is the per-shuffle record of map and merge outputs. A single
// readers-writer lock guards all state; array mutations are O(1) and the
// hottest paths are reads.
type ShuffleStatus struct {
	mu sync.RWMutex

	shuffleId   int
	numMaps     int
	numReducers int
	broadcasts  *BroadcastManager

	mapStatuses   []MapStatus
	mergeStatuses []*MergeStatus

	// Counters kept in sync with the non-nil entries above.
	numAvailableMapOutputs   int
	numAvailableMergeResults int

	cachedSerializedMapStatus   []byte
	cachedSerializedMergeStatus []byte
	cachedMapBroadcast          *Broadcast
	cachedMergeBroadcast        *Broadcast
}

func newShuffleStatus(shuffleId, numMaps, numReducers int, broadcasts *BroadcastManager) *ShuffleStatus {
	return &ShuffleStatus{
		shuffleId:     shuffleId,
		numMaps:       numMaps,
		numReducers:   numReducers,
		broadcasts:    broadcasts,
		mapStatuses:   make([]MapStatus, numMaps),
		mergeStatuses: make([]*MergeStatus, numReducers),
	}
}

func (s *ShuffleStatus) NumMaps() int     { return s.numMaps }
func (s *ShuffleStatus) NumReducers() int { return s.numReducers }

// AddMapOutput registers the output of the map task at mapIndex,
// overwriting any previous registration.
func (s *ShuffleStatus) AddMapOutput(mapIndex int, status MapStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapStatuses[mapIndex] == nil {
		s.numAvailableMapOutputs++
		s.invalidateSerializedMapOutputStatusCacheLocked()
	}
	s.mapStatuses[mapIndex] = status
}

// UpdateMapOutput moves the output with the given mapId to a new location.
// Unknown mapIds are logged and ignored, since a migration can race with a
// stage abort that already dropped the status.
func (s *ShuffleStatus) UpdateMapOutput(mapId int64, loc BlockManagerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, status := range s.mapStatuses {
		if status != nil && status.MapId() == mapId {
			status.UpdateLocation(loc)
			s.invalidateSerializedMapOutputStatusCacheLocked()
			return
		}
	}
	logger.Printf("asked to update map output for unknown mapId %d in shuffle %d", mapId, s.shuffleId)
}

// RemoveMapOutput clears the entry at mapIndex, but only if it still lives at
// bmAddr. A stale address is a no-op, protecting against races with migration.
func (s *ShuffleStatus) RemoveMapOutput(mapIndex int, bmAddr BlockManagerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapStatuses[mapIndex] != nil && s.mapStatuses[mapIndex].Location() == bmAddr {
		s.mapStatuses[mapIndex] = nil
		s.numAvailableMapOutputs--
		s.invalidateSerializedMapOutputStatusCacheLocked()
	}
}

// AddMergeResult registers the merge result for a reduce partition.
func (s *ShuffleStatus) AddMergeResult(reduceId int, status *MergeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeStatuses[reduceId] == nil {
		s.numAvailableMergeResults++
		s.invalidateSerializedMergeOutputStatusCacheLocked()
	}
	s.mergeStatuses[reduceId] = status
}

// RemoveMergeResult clears the merge result for a reduce partition if it is
// still held by bmAddr.
func (s *ShuffleStatus) RemoveMergeResult(reduceId int, bmAddr BlockManagerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeStatuses[reduceId] != nil && s.mergeStatuses[reduceId].Loc == bmAddr {
		s.mergeStatuses[reduceId] = nil
		s.numAvailableMergeResults--
		s.invalidateSerializedMergeOutputStatusCacheLocked()
	}
}

// RemoveOutputsByFilter sweeps both arrays, clearing every entry whose
// location satisfies pred.
func (s *ShuffleStatus) RemoveOutputsByFilter(pred func(BlockManagerId) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, status := range s.mapStatuses {
		if status != nil && pred(status.Location()) {
			s.mapStatuses[i] = nil
			s.numAvailableMapOutputs--
			s.invalidateSerializedMapOutputStatusCacheLocked()
		}
	}
	for i, status := range s.mergeStatuses {
		if status != nil && pred(status.Loc) {
			s.mergeStatuses[i] = nil
			s.numAvailableMergeResults--
			s.invalidateSerializedMergeOutputStatusCacheLocked()
		}
	}
}

// MapStatuses returns a snapshot of the map status array.
func (s *ShuffleStatus) MapStatuses() []MapStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MapStatus, len(s.mapStatuses))
	copy(out, s.mapStatuses)
	return out
}

// MergeStatuses returns a snapshot of the merge status array.
func (s *ShuffleStatus) MergeStatuses() []*MergeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MergeStatus, len(s.mergeStatuses))
	copy(out, s.mergeStatuses)
	return out
}

func (s *ShuffleStatus) NumAvailableMapOutputs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numAvailableMapOutputs
}

func (s *ShuffleStatus) NumAvailableMergeResults() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numAvailableMergeResults
}

// SerializedOutputStatus returns the tag-prefixed serialized form of the map
// or merge status array, serializing at most once per cache generation.
// Payloads at least minBroadcastSize long are published through the broadcast
// manager and replaced by a BROADCAST-tagged handle payload; the handle stays
// owned by this ShuffleStatus so invalidation can destroy it.
func (s *ShuffleStatus) SerializedOutputStatus(isMapOutput bool, codec Codec, minBroadcastSize int64) ([]byte, error) {
	s.mu.RLock()
	var cached []byte
	if isMapOutput {
		cached = s.cachedSerializedMapStatus
	} else {
		cached = s.cachedSerializedMergeStatus
	}
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another writer may have won the upgrade race.
	if isMapOutput && s.cachedSerializedMapStatus != nil {
		return s.cachedSerializedMapStatus, nil
	}
	if !isMapOutput && s.cachedSerializedMergeStatus != nil {
		return s.cachedSerializedMergeStatus, nil
	}

	var payload []byte
	var err error
	if isMapOutput {
		payload, err = encodeMapStatuses(s.mapStatuses, codec)
	} else {
		payload, err = encodeMergeStatuses(s.mergeStatuses, codec)
	}
	if err != nil {
		return nil, err
	}

	var bcast *Broadcast
	if int64(len(payload)) >= minBroadcastSize {
		payload, bcast, err = promoteToBroadcast(payload, s.broadcasts, codec)
		if err != nil {
			return nil, err
		}
		logger.Printf("shuffle %d: broadcasting %s output statuses as %s",
			s.shuffleId, outputKind(isMapOutput), bcast.Id)
	}
	if isMapOutput {
		s.cachedSerializedMapStatus = payload
		s.cachedMapBroadcast = bcast
	} else {
		s.cachedSerializedMergeStatus = payload
		s.cachedMergeBroadcast = bcast
	}
	return payload, nil
}

func outputKind(isMapOutput bool) string {
	if isMapOutput {
		return "map"
	}
	return "merge"
}

// InvalidateSerializedMapOutputStatusCache drops the cached map payload and
// destroys its broadcast.
func (s *ShuffleStatus) InvalidateSerializedMapOutputStatusCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateSerializedMapOutputStatusCacheLocked()
}

// InvalidateSerializedMergeOutputStatusCache is the merge-side counterpart.
func (s *ShuffleStatus) InvalidateSerializedMergeOutputStatusCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateSerializedMergeOutputStatusCacheLocked()
}

func (s *ShuffleStatus) invalidateSerializedMapOutputStatusCacheLocked() {
	s.destroyBroadcast(s.cachedMapBroadcast)
	s.cachedMapBroadcast = nil
	s.cachedSerializedMapStatus = nil
}

func (s *ShuffleStatus) invalidateSerializedMergeOutputStatusCacheLocked() {
	s.destroyBroadcast(s.cachedMergeBroadcast)
	s.cachedMergeBroadcast = nil
	s.cachedSerializedMergeStatus = nil
}

// Destroy failures are logged only, cleanup must not crash the driver.
func (s *ShuffleStatus) destroyBroadcast(bcast *Broadcast) {
	if bcast == nil || s.broadcasts == nil {
		return
	}
	if err := s.broadcasts.Destroy(bcast); err != nil {
		logger.Printf("failed to destroy broadcast %s for shuffle %d: %v", bcast.Id, s.shuffleId, err)
	}
}
