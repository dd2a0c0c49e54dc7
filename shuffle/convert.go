package shuffle

import "fmt"

// BlockFetchInfo is one block a reducer should fetch: the wire block id, its
// (estimated) size, and the producing map index, or -1 for merged blocks.
type BlockFetchInfo struct {
	BlockId  string
	Size     int64
	MapIndex int
}

// ShuffleFetchGroup is the per-destination slice of the fetch plan.
type ShuffleFetchGroup struct {
	Address BlockManagerId
	Blocks  []BlockFetchInfo
}

// fetchGroupBuilder groups blocks by destination, preserving first-seen order.
type fetchGroupBuilder struct {
	byAddr map[BlockManagerId]int
	groups []ShuffleFetchGroup
}

func newFetchGroupBuilder() *fetchGroupBuilder {
	return &fetchGroupBuilder{byAddr: make(map[BlockManagerId]int)}
}

func (b *fetchGroupBuilder) add(addr BlockManagerId, block BlockFetchInfo) {
	i, ok := b.byAddr[addr]
	if !ok {
		i = len(b.groups)
		b.byAddr[addr] = i
		b.groups = append(b.groups, ShuffleFetchGroup{Address: addr})
	}
	b.groups[i].Blocks = append(b.groups[i].Blocks, block)
}

func (b *fetchGroupBuilder) build() []ShuffleFetchGroup { return b.groups }

// convertMapStatuses turns statuses into a per-destination fetch plan for
// partitions [startPartition, endPartition) and maps [startMapIndex,
// endMapIndex). Zero-sized blocks never appear in the plan.
//
// The merged path is taken only for a whole-stream fetch (startMapIndex == 0
// and endMapIndex == numMaps): merge order is non-deterministic, so a merged
// partition cannot serve a sub-range of maps.
func convertMapStatuses(shuffleId, startPartition, endPartition int, mapStatuses []MapStatus,
	startMapIndex, endMapIndex int, mergeStatuses []*MergeStatus) ([]ShuffleFetchGroup, error) {

	groups := newFetchGroupBuilder()
	numMaps := len(mapStatuses)

	if mergeStatuses != nil && startMapIndex == 0 && endMapIndex == numMaps {
		for p := startPartition; p < endPartition; p++ {
			var ms *MergeStatus
			if p < len(mergeStatuses) {
				ms = mergeStatuses[p]
			}
			if ms == nil {
				// No merge for this partition, fetch every original block.
				if err := addUnmergedBlocks(groups, shuffleId, p, mapStatuses, 0, numMaps); err != nil {
					return nil, err
				}
				continue
			}
			if ms.TotalSize > 0 {
				merged := ShuffleBlockId{ShuffleId: shuffleId, MapId: MergedBlockMapId, ReduceId: p}
				groups.add(ms.Loc, BlockFetchInfo{BlockId: merged.String(), Size: ms.TotalSize, MapIndex: -1})
			}
			// Maps that missed the merge are supplemented as original blocks.
			for _, mapIndex := range ms.MissingMaps(numMaps) {
				status := mapStatuses[mapIndex]
				if status == nil {
					return nil, &MetadataFetchFailedError{
						ShuffleId: shuffleId, ReduceId: p,
						Message: fmt.Sprintf("missing an output location for shuffle %d partition %d", shuffleId, p),
					}
				}
				size := status.SizeForBlock(p)
				if size == 0 {
					continue
				}
				blockId := ShuffleBlockId{ShuffleId: shuffleId, MapId: status.MapId(), ReduceId: p}
				groups.add(status.Location(), BlockFetchInfo{BlockId: blockId.String(), Size: size, MapIndex: mapIndex})
			}
		}
		return groups.build(), nil
	}

	for m := startMapIndex; m < endMapIndex; m++ {
		status := mapStatuses[m]
		if status == nil {
			return nil, &MetadataFetchFailedError{
				ShuffleId: shuffleId, ReduceId: startPartition,
				Message: fmt.Sprintf("missing an output location for shuffle %d partition %d", shuffleId, startPartition),
			}
		}
		for p := startPartition; p < endPartition; p++ {
			size := status.SizeForBlock(p)
			if size == 0 {
				continue
			}
			blockId := ShuffleBlockId{ShuffleId: shuffleId, MapId: status.MapId(), ReduceId: p}
			groups.add(status.Location(), BlockFetchInfo{BlockId: blockId.String(), Size: size, MapIndex: m})
		}
	}
	return groups.build(), nil
}

func addUnmergedBlocks(groups *fetchGroupBuilder, shuffleId, partition int, mapStatuses []MapStatus, startMapIndex, endMapIndex int) error {
	for m := startMapIndex; m < endMapIndex; m++ {
		status := mapStatuses[m]
		if status == nil {
			return &MetadataFetchFailedError{
				ShuffleId: shuffleId, ReduceId: partition,
				Message: fmt.Sprintf("missing an output location for shuffle %d partition %d", shuffleId, partition),
			}
		}
		size := status.SizeForBlock(partition)
		if size == 0 {
			continue
		}
		blockId := ShuffleBlockId{ShuffleId: shuffleId, MapId: status.MapId(), ReduceId: partition}
		groups.add(status.Location(), BlockFetchInfo{BlockId: blockId.String(), Size: size, MapIndex: m})
	}
	return nil
}
