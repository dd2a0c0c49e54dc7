package shuffle

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Serialized-status payloads are tag-prefixed: a DIRECT payload carries the
// compressed status array itself; a BROADCAST payload carries a compressed
// handle whose value is a DIRECT-tagged payload.
const (
	directStatusTag    byte = 0
	broadcastStatusTag byte = 1
)

// broadcastRef is the on-wire form of a broadcast handle.
type broadcastRef struct {
	Id string
}

// nil entries cannot travel through gob as interface values, so arrays go on
// the wire as (length, non-nil entries with indices).
type mapStatusEntry struct {
	Index  int
	Status MapStatus
}

type mapStatusArrayWire struct {
	NumMaps int
	Entries []mapStatusEntry
}

type mergeStatusEntry struct {
	Index  int
	Status *MergeStatus
}

type mergeStatusArrayWire struct {
	NumReducers int
	Entries     []mergeStatusEntry
}

func encodeMapStatuses(statuses []MapStatus, codec Codec) ([]byte, error) {
	wire := mapStatusArrayWire{NumMaps: len(statuses)}
	for i, s := range statuses {
		if s != nil {
			wire.Entries = append(wire.Entries, mapStatusEntry{Index: i, Status: s})
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&wire); err != nil {
		return nil, err
	}
	return tagAndCompress(buf.Bytes(), codec)
}

func encodeMergeStatuses(statuses []*MergeStatus, codec Codec) ([]byte, error) {
	wire := mergeStatusArrayWire{NumReducers: len(statuses)}
	for i, s := range statuses {
		if s != nil {
			wire.Entries = append(wire.Entries, mergeStatusEntry{Index: i, Status: s})
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&wire); err != nil {
		return nil, err
	}
	return tagAndCompress(buf.Bytes(), codec)
}

func tagAndCompress(raw []byte, codec Codec) ([]byte, error) {
	compressed, err := codec.Compress(raw)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, directStatusTag)
	return append(out, compressed...), nil
}

// promoteToBroadcast publishes a DIRECT payload through the broadcast manager
// and returns the BROADCAST-tagged replacement payload plus the owned handle.
func promoteToBroadcast(direct []byte, mgr *BroadcastManager, codec Codec) ([]byte, *Broadcast, error) {
	bcast := mgr.NewBroadcast(direct)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&broadcastRef{Id: bcast.Id}); err != nil {
		return nil, nil, err
	}
	compressed, err := codec.Compress(buf.Bytes())
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, broadcastStatusTag)
	return append(out, compressed...), bcast, nil
}

func decodePayload(payload []byte, codec Codec, mgr *BroadcastManager) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty status payload")
	}
	raw, err := codec.Decompress(payload[1:])
	if err != nil {
		return nil, err
	}
	switch payload[0] {
	case directStatusTag:
		return raw, nil
	case broadcastStatusTag:
		var ref broadcastRef
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ref); err != nil {
			return nil, err
		}
		bcast, err := mgr.Resolve(ref.Id)
		if err != nil {
			return nil, err
		}
		value, err := bcast.Value()
		if err != nil {
			return nil, err
		}
		if len(value) == 0 || value[0] != directStatusTag {
			return nil, fmt.Errorf("broadcast %s does not hold a direct status payload", ref.Id)
		}
		return codec.Decompress(value[1:])
	default:
		return nil, fmt.Errorf("unknown status payload tag %d", payload[0])
	}
}

func decodeMapStatuses(payload []byte, codec Codec, mgr *BroadcastManager) ([]MapStatus, error) {
	raw, err := decodePayload(payload, codec, mgr)
	if err != nil {
		return nil, err
	}
	var wire mapStatusArrayWire
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&wire); err != nil {
		return nil, err
	}
	statuses := make([]MapStatus, wire.NumMaps)
	for _, e := range wire.Entries {
		statuses[e.Index] = e.Status
	}
	return statuses, nil
}

func decodeMergeStatuses(payload []byte, codec Codec, mgr *BroadcastManager) ([]*MergeStatus, error) {
	raw, err := decodePayload(payload, codec, mgr)
	if err != nil {
		return nil, err
	}
	var wire mergeStatusArrayWire
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&wire); err != nil {
		return nil, err
	}
	statuses := make([]*MergeStatus, wire.NumReducers)
	for _, e := range wire.Entries {
		statuses[e.Index] = e.Status
	}
	return statuses, nil
}
