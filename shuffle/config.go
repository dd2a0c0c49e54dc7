package shuffle

import (
	"math"
	"runtime"
)

// ShuffleConf carries the tunables of the shuffle data plane. Field names
// mirror the config keys they come from.
type ShuffleConf struct {
	AppId string

	// shuffle.push.enabled
	PushBasedShuffleEnabled bool
	// shuffle.push.maxBlockSizeToPush (bytes; key is KiB)
	MaxBlockSizeToPush int64
	// shuffle.push.maxBlockBatchSize (bytes; key is MiB)
	MaxBlockBatchSize int64
	// reducer.maxSizeInFlight (bytes; key is MiB)
	MaxBytesInFlight int64
	// reducer.maxReqsInFlight
	MaxReqsInFlight int
	// reducer.maxBlocksInFlightPerAddress
	MaxBlocksInFlightPerAddress int
	// shuffle.mapOutput.minSizeForBroadcast (bytes)
	MinSizeForBroadcast int64
	// rpc.message.maxSize (bytes)
	MaxRpcMessageSize int64
	// shuffle.mapOutput.dispatcher.numThreads
	DispatcherNumThreads int
	// shuffle.numPushThreads
	NumPushThreads int
	// shuffle.reduceLocality.enabled
	ReduceLocalityEnabled bool
	// shuffle.mapOutput.parallelAggregationThreshold
	ParallelAggregationThreshold int64
	// shuffle.mapStatus.compressionCodec
	MapStatusCompressionCodec string
	// shuffle.useOldFetchProtocol
	UseOldFetchProtocol bool
}

func DefaultConf() *ShuffleConf {
	return &ShuffleConf{
		AppId:                        "app",
		PushBasedShuffleEnabled:      false,
		MaxBlockSizeToPush:           1 * 1024 * 1024,
		MaxBlockBatchSize:            3 * 1024 * 1024,
		MaxBytesInFlight:             48 * 1024 * 1024,
		MaxReqsInFlight:              math.MaxInt32,
		MaxBlocksInFlightPerAddress:  math.MaxInt32,
		MinSizeForBroadcast:          512 * 1024,
		MaxRpcMessageSize:            128 * 1024 * 1024,
		DispatcherNumThreads:         8,
		NumPushThreads:               runtime.NumCPU(),
		ReduceLocalityEnabled:        true,
		ParallelAggregationThreshold: 10_000_000,
		MapStatusCompressionCodec:    "zstd",
		UseOldFetchProtocol:          false,
	}
}

// Reducer scheduling prefers the merger once at most this fraction of maps is
// missing from the merged partition.
const reducerPrefLocsFraction = 0.2

// Locality hints are skipped entirely for very large jobs.
const (
	shufflePrefMapThreshold    = 1000
	shufflePrefReduceThreshold = 1000
)

// Map locations whose share of a partition's bytes is at least this fraction
// count as preferred.
const mapOutputFractionThreshold = 0.2
