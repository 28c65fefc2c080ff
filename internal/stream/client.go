package stream

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/proximity.report/internal/beacon"
)

// Client calls the service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetState(ctx context.Context, opts ...grpc.CallOption) (Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getStateMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := fromStruct(out, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode state: %w", err)
	}
	return snap, nil
}

// Watcher receives notifications from a Watch call.
type Watcher struct {
	stream grpc.ClientStream
}

func (c *Client) Watch(ctx context.Context, opts ...grpc.CallOption) (*Watcher, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Watcher{stream: stream}, nil
}

// Recv blocks for the next notification.
func (w *Watcher) Recv() (beacon.Notification, error) {
	msg := new(structpb.Struct)
	if err := w.stream.RecvMsg(msg); err != nil {
		return beacon.Notification{}, err
	}
	var n beacon.Notification
	if err := fromStruct(msg, &n); err != nil {
		return beacon.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}
