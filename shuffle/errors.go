package shuffle

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// MetadataFetchFailedError reports that the map-output metadata for a shuffle
// partition could not be obtained. The scheduler reacts by re-running the
// producing stage.
type MetadataFetchFailedError struct {
	ShuffleId int
	ReduceId  int
	Message   string
}

func (e *MetadataFetchFailedError) Error() string {
	return fmt.Sprintf("metadata fetch failed for shuffle %d partition %d: %s",
		e.ShuffleId, e.ReduceId, e.Message)
}

// FetchFailedError reports a transport-level block fetch failure.
type FetchFailedError struct {
	BlockId string
	Address BlockManagerId
	Cause   error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("failed to fetch block %s from %s: %v", e.BlockId, e.Address, e.Cause)
}

func (e *FetchFailedError) Unwrap() error { return e.Cause }

// ErrConnectionFailed marks a push failure caused by the destination being
// unreachable. Transports that cannot wrap it are still recognized through
// net.OpError.
var ErrConnectionFailed = errors.New("failed to connect to block manager")

func isConnectError(err error) bool {
	if errors.Is(err, ErrConnectionFailed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Mergers reject pushes arriving after finalization with this marker in the
// error message. Seeing it anywhere in the chain stops the whole push.
const tooLateBlockPushMessage = "received after merged shuffle is finalized"

func isTooLate(err error) bool {
	for err != nil {
		if strings.Contains(err.Error(), tooLateBlockPushMessage) {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
