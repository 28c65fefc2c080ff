package stream

import (
	"context"
	"errors"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/monitoring"
)

var _ ProximityServer = (*Server)(nil)

// Snapshot is the GetState payload.
type Snapshot struct {
	State    beacon.State     `json:"state"`
	Identity *beacon.Identity `json:"identity,omitempty"`
	Warnings []beacon.Warning `json:"warnings"`
}

// Server implements ProximityServer over a coordinator and its bus.
type Server struct {
	coord *beacon.Coordinator
	bus   *beacon.Bus
}

func NewServer(coord *beacon.Coordinator, bus *beacon.Bus) *Server {
	return &Server{coord: coord, bus: bus}
}

func (s *Server) GetState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := Snapshot{State: s.coord.State(), Warnings: s.coord.Warnings()}
	if snap.Warnings == nil {
		snap.Warnings = []beacon.Warning{}
	}
	if id, ok := s.coord.Identity(); ok {
		snap.Identity = &id
	}
	out, err := toStruct(snap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode state: %v", err)
	}
	return out, nil
}

// Watch sends each bus notification until the client goes away or the bus
// closes.
func (s *Server) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)
	monitoring.Logf("[gRPC] Watch client %s connected", id)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[gRPC] Watch client %s cancelled", id)
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return status.Error(codes.Unavailable, "event bus closed")
			}
			msg, err := toStruct(n)
			if err != nil {
				monitoring.Logf("[gRPC] encode notification: %v", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				monitoring.Logf("[gRPC] Send error: %v", err)
				return err
			}
		}
	}
}

// Publisher runs a gRPC server for a Server on a listener.
type Publisher struct {
	server *grpc.Server
	wg     sync.WaitGroup
}

// Start serves srv on lis until Stop.
func Start(lis net.Listener, srv ProximityServer, opts ...grpc.ServerOption) *Publisher {
	p := &Publisher{server: grpc.NewServer(opts...)}
	RegisterService(p.server, srv)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[gRPC] listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			monitoring.Logf("[gRPC] server error: %v", err)
		}
	}()
	return p
}

// Stop closes open streams and waits for Serve to return.
func (p *Publisher) Stop() {
	p.server.Stop()
	p.wg.Wait()
}
