package shuffle

//
// RPC definitions for the tracker endpoint.
//

import (
	"net"
	"net/rpc"
	"os"
	"strconv"
)

type GetMapOutputStatusesArgs struct {
	ShuffleId int
}

type GetMapOutputStatusesReply struct {
	// Tag-prefixed serialized status payload.
	Payload []byte
}

type GetMergeResultStatusesArgs struct {
	ShuffleId int
}

type GetMergeResultStatusesReply struct {
	Payload []byte
}

type StopMapOutputTrackerArgs struct{}

type StopMapOutputTrackerReply struct {
	Stopped bool
}

// Cook up a unique-ish UNIX-domain socket name in /var/tmp for the driver's
// tracker endpoint.
func trackerSock() string {
	s := "/var/tmp/shuffle-tracker-"
	s += strconv.Itoa(os.Getuid())
	return s
}

// MapOutputTrackerMasterEndpoint exposes the tracker over net/rpc. Requests
// are answered by the tracker's dispatcher pool, not inline, so heavy
// serialization never blocks the rpc accept loop's peers.
type MapOutputTrackerMasterEndpoint struct {
	tracker *MapOutputTrackerMaster
}

func NewMapOutputTrackerMasterEndpoint(tracker *MapOutputTrackerMaster) *MapOutputTrackerMasterEndpoint {
	return &MapOutputTrackerMasterEndpoint{tracker: tracker}
}

func (e *MapOutputTrackerMasterEndpoint) GetMapOutputStatuses(args *GetMapOutputStatusesArgs, reply *GetMapOutputStatusesReply) error {
	done := make(chan statusResult, 1)
	e.tracker.post(statusRequest{shuffleId: args.ShuffleId, isMapOutput: true, done: done})
	res := <-done
	reply.Payload = res.payload
	return res.err
}

func (e *MapOutputTrackerMasterEndpoint) GetMergeResultStatuses(args *GetMergeResultStatusesArgs, reply *GetMergeResultStatusesReply) error {
	done := make(chan statusResult, 1)
	e.tracker.post(statusRequest{shuffleId: args.ShuffleId, isMapOutput: false, done: done})
	res := <-done
	reply.Payload = res.payload
	return res.err
}

func (e *MapOutputTrackerMasterEndpoint) StopMapOutputTracker(args *StopMapOutputTrackerArgs, reply *StopMapOutputTrackerReply) error {
	e.tracker.Stop()
	reply.Stopped = true
	return nil
}

// ServeTracker starts an rpc server for the endpoint on a unix socket and
// returns the listener so the caller can close it on shutdown.
func ServeTracker(tracker *MapOutputTrackerMaster, sockname string) (net.Listener, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("MapOutputTracker", NewMapOutputTrackerMasterEndpoint(tracker)); err != nil {
		return nil, err
	}
	os.Remove(sockname)
	l, err := net.Listen("unix", sockname)
	if err != nil {
		return nil, err
	}
	go srv.Accept(l)
	return l, nil
}

// call sends one RPC to the tracker endpoint and waits for the response.
func call(sockname, rpcname string, args interface{}, reply interface{}) error {
	c, err := rpc.Dial("unix", sockname)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(rpcname, args, reply)
}

// trackerClient is the worker's view of the driver endpoint. Tests stub it;
// production uses the rpc-backed client below.
type trackerClient interface {
	GetMapOutputStatuses(shuffleId int) ([]byte, error)
	GetMergeResultStatuses(shuffleId int) ([]byte, error)
}

type rpcTrackerClient struct {
	sockname string
}

// NewRPCTrackerClient dials the tracker endpoint at the given unix socket.
func NewRPCTrackerClient(sockname string) *rpcTrackerClient {
	if sockname == "" {
		sockname = trackerSock()
	}
	return &rpcTrackerClient{sockname: sockname}
}

func (c *rpcTrackerClient) GetMapOutputStatuses(shuffleId int) ([]byte, error) {
	args := GetMapOutputStatusesArgs{ShuffleId: shuffleId}
	reply := GetMapOutputStatusesReply{}
	if err := call(c.sockname, "MapOutputTracker.GetMapOutputStatuses", &args, &reply); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (c *rpcTrackerClient) GetMergeResultStatuses(shuffleId int) ([]byte, error) {
	args := GetMergeResultStatusesArgs{ShuffleId: shuffleId}
	reply := GetMergeResultStatusesReply{}
	if err := call(c.sockname, "MapOutputTracker.GetMergeResultStatuses", &args, &reply); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}
