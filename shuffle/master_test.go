package shuffle

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"
)

func newTestMaster(t *testing.T, conf *ShuffleConf) *MapOutputTrackerMaster {
	t.Helper()
	master, err := NewMapOutputTrackerMaster(conf, NewBroadcastManager())
	require.NoError(t, err)
	t.Cleanup(master.Stop)
	return master
}

func TestMasterRejectsBadBroadcastConfig(t *testing.T) {
	conf := DefaultConf()
	conf.MinSizeForBroadcast = conf.MaxRpcMessageSize + 1
	_, err := NewMapOutputTrackerMaster(conf, NewBroadcastManager())
	require.Error(t, err)
}

func TestMasterRegisterAndUnregister(t *testing.T) {
	master := newTestMaster(t, DefaultConf())
	master.RegisterShuffle(10, 2, 2)
	require.True(t, master.ContainsShuffle(10))
	require.Equal(t, 0, master.GetNumAvailableOutputs(10))

	master.RegisterMapOutput(10, 0, NewMapStatus(bmA, []int64{1000, 10000}, 5))
	master.RegisterMapOutput(10, 1, NewMapStatus(bmB, []int64{10000, 1000}, 6))
	require.Equal(t, 2, master.GetNumAvailableOutputs(10))

	master.UnregisterMapOutput(10, 0, bmA)
	require.Equal(t, 1, master.GetNumAvailableOutputs(10))

	master.UnregisterShuffle(10)
	require.False(t, master.ContainsShuffle(10))
	// Unregistering an absent shuffle is fine.
	master.UnregisterShuffle(10)
}

func TestMasterProgrammingErrorsFailLoudly(t *testing.T) {
	master := newTestMaster(t, DefaultConf())
	master.RegisterShuffle(10, 1, 1)

	require.Panics(t, func() { master.RegisterShuffle(10, 1, 1) })
	require.Panics(t, func() { master.UnregisterMapOutput(99, 0, bmA) })
	require.Panics(t, func() { master.UnregisterMergeResult(99, 0, bmA) })
	require.Panics(t, func() { master.UnregisterAllMapAndMergeOutput(99) })

	// updateMapOutput races with stage abort, so an unknown shuffle only logs.
	require.NotPanics(t, func() { master.UpdateMapOutput(99, 0, bmA) })
}

func TestMasterEpochDiscipline(t *testing.T) {
	master := newTestMaster(t, DefaultConf())
	master.RegisterShuffle(10, 2, 2)
	e0 := master.GetEpoch()

	// Additions never invalidate a reader's prior correct fetches.
	master.RegisterMapOutput(10, 0, NewMapStatus(bmA, []int64{1, 2}, 0))
	tracker := roaring.New()
	master.RegisterMergeResult(10, 0, NewMergeStatus(bmB, tracker, 10))
	require.Equal(t, e0, master.GetEpoch())

	master.UnregisterMapOutput(10, 0, bmA)
	e1 := master.GetEpoch()
	require.Greater(t, e1, e0)

	master.UnregisterMergeResult(10, 0, bmB)
	e2 := master.GetEpoch()
	require.Greater(t, e2, e1)

	master.RemoveOutputsOnHost("hostA")
	require.Greater(t, master.GetEpoch(), e2)
}

func TestMasterRemoveOutputsOnHostAndExecutor(t *testing.T) {
	master := newTestMaster(t, DefaultConf())
	master.RegisterShuffle(10, 2, 1)
	master.RegisterMapOutput(10, 0, NewMapStatus(bmA, []int64{1}, 0))
	master.RegisterMapOutput(10, 1, NewMapStatus(bmB, []int64{1}, 1))

	master.RemoveOutputsOnHost("hostA")
	require.Equal(t, 1, master.GetNumAvailableOutputs(10))

	master.RemoveOutputsOnExecutor("b")
	require.Equal(t, 0, master.GetNumAvailableOutputs(10))
}

func TestMasterPreferredLocationsBySize(t *testing.T) {
	master := newTestMaster(t, DefaultConf())
	master.RegisterShuffle(10, 3, 1)
	// hostA holds two thirds of partition 0's bytes.
	master.RegisterMapOutput(10, 0, NewMapStatus(bmA, []int64{1000}, 0))
	master.RegisterMapOutput(10, 1, NewMapStatus(bmA, []int64{1000}, 1))
	master.RegisterMapOutput(10, 2, NewMapStatus(bmB, []int64{1000}, 2))

	hosts := master.GetPreferredLocationsForShuffle(10, 0)
	require.ElementsMatch(t, []string{"hostA", "hostB"}, hosts)

	// Below the fraction threshold a host drops out.
	master.RegisterShuffle(11, 10, 1)
	for i := 0; i < 9; i++ {
		master.RegisterMapOutput(11, i, NewMapStatus(bmA, []int64{1000}, int64(i)))
	}
	master.RegisterMapOutput(11, 9, NewMapStatus(bmB, []int64{1000}, 9))
	require.Equal(t, []string{"hostA"}, master.GetPreferredLocationsForShuffle(11, 0))
}

func TestMasterPreferredLocationsForMergedPartition(t *testing.T) {
	conf := DefaultConf()
	conf.PushBasedShuffleEnabled = true
	master := newTestMaster(t, conf)
	merger := BlockManagerId{ExecutorId: "m", Host: "merger", Port: 7337}

	master.RegisterShuffle(10, 10, 1)
	for i := 0; i < 10; i++ {
		master.RegisterMapOutput(10, i, NewMapStatus(bmA, []int64{1000}, int64(i)))
	}

	// Tracker covers 9 of 10 maps: missing fraction 0.1 <= 0.2.
	tracker := roaring.New()
	tracker.AddRange(0, 9)
	master.RegisterMergeResult(10, 0, NewMergeStatus(merger, tracker, 9000))
	require.Equal(t, []string{"merger"}, master.GetPreferredLocationsForShuffle(10, 0))

	// A sparse tracker falls back to map-output sizes.
	master.RegisterShuffle(11, 10, 1)
	for i := 0; i < 10; i++ {
		master.RegisterMapOutput(11, i, NewMapStatus(bmA, []int64{1000}, int64(i)))
	}
	sparse := roaring.New()
	sparse.AddRange(0, 5)
	master.RegisterMergeResult(11, 0, NewMergeStatus(merger, sparse, 5000))
	require.Equal(t, []string{"hostA"}, master.GetPreferredLocationsForShuffle(11, 0))
}

func TestMasterStatisticsSerialAndParallel(t *testing.T) {
	for _, threshold := range []int64{1 << 40, 1} {
		conf := DefaultConf()
		conf.ParallelAggregationThreshold = threshold
		master := newTestMaster(t, conf)
		master.RegisterShuffle(10, 4, 8)
		sizes := make([]int64, 8)
		for p := range sizes {
			sizes[p] = int64(100 * (p + 1))
		}
		for m := 0; m < 4; m++ {
			master.RegisterMapOutput(10, m, NewMapStatus(bmA, sizes, int64(m)))
		}

		stats, err := master.GetStatistics(10)
		require.NoError(t, err)
		require.Equal(t, 10, stats.ShuffleId)
		require.Len(t, stats.BytesByPartitionId, 8)
		for p, total := range stats.BytesByPartitionId {
			require.Equal(t, 4*decompressSize(compressSize(int64(100*(p+1)))), total)
		}
	}
}

func TestMasterBroadcastThresholdAndCleanup(t *testing.T) {
	conf := DefaultConf()
	conf.MinSizeForBroadcast = 512
	broadcasts := NewBroadcastManager()
	master, err := NewMapOutputTrackerMaster(conf, broadcasts)
	require.NoError(t, err)
	t.Cleanup(master.Stop)

	master.RegisterShuffle(10, 20, 1500)
	sizes := make([]int64, 1500)
	for m := 0; m < 20; m++ {
		for i := range sizes {
			sizes[i] = int64((i*7919 + m*104729) % 100000)
		}
		master.RegisterMapOutput(10, m, NewMapStatus(bmA, sizes, int64(m)))
	}

	ep := NewMapOutputTrackerMasterEndpoint(master)
	reply := GetMapOutputStatusesReply{}
	require.NoError(t, ep.GetMapOutputStatuses(&GetMapOutputStatusesArgs{ShuffleId: 10}, &reply))
	require.Equal(t, broadcastStatusTag, reply.Payload[0])
	require.Equal(t, 1, broadcasts.NumCached())

	// Repeat fetches reuse the one cached broadcast.
	require.NoError(t, ep.GetMapOutputStatuses(&GetMapOutputStatusesArgs{ShuffleId: 10}, &reply))
	require.Equal(t, 1, broadcasts.NumCached())

	master.UnregisterShuffle(10)
	require.Equal(t, 0, broadcasts.NumCached())
}

func TestEquallyDivide(t *testing.T) {
	for _, tc := range []struct{ n, buckets int }{
		{10, 3}, {7, 7}, {5, 8}, {1000, 7}, {0, 3}, {42, 1},
	} {
		buckets := equallyDivide(tc.n, tc.buckets)
		require.Len(t, buckets, tc.buckets)

		sum := 0
		minW, maxW := 1<<30, 0
		prevEnd := 0
		prevW := 1 << 30
		for _, b := range buckets {
			require.Equal(t, prevEnd, b[0], "buckets must tile the range")
			w := b[1] - b[0]
			sum += w
			if w < minW {
				minW = w
			}
			if w > maxW {
				maxW = w
			}
			require.LessOrEqual(t, w, prevW, "wider buckets precede narrower")
			prevW = w
			prevEnd = b[1]
		}
		require.Equal(t, tc.n, sum)
		require.LessOrEqual(t, maxW-minW, 1)
	}
}
