package publisher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/tangible/internal/registry"
)

// Tracker service names. The service has a single server-streaming method
// taking google.protobuf.Empty and returning a google.protobuf.Struct per
// registry event, with the same fields as the JSON Message.
const (
	TrackerServiceName = "tangible.Tracker"
	StreamEventsMethod = "/tangible.Tracker/StreamEvents"
)

// trackerServer is the server side of the Tracker service.
type trackerServer interface {
	StreamEvents(*emptypb.Empty, grpc.ServerStream) error
}

func streamEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(trackerServer).StreamEvents(in, stream)
}

// TrackerServiceDesc describes the Tracker service for grpc.Server.
var TrackerServiceDesc = grpc.ServiceDesc{
	ServiceName: TrackerServiceName,
	HandlerType: (*trackerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tangible/tracker.proto",
}

// ToStruct converts the message to its protobuf Struct form.
func (m Message) ToStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"id": m.ID,
		"op": m.Op,
	}
	if len(m.Pos) == 2 {
		fields["pos"] = []interface{}{m.Pos[0], m.Pos[1]}
	}
	if m.Angle != nil {
		fields["angle"] = *m.Angle
	}
	return structpb.NewStruct(fields)
}

// MessageFromStruct is the inverse of Message.ToStruct.
func MessageFromStruct(s *structpb.Struct) (Message, error) {
	f := s.GetFields()
	id, ok := f["id"]
	if !ok {
		return Message{}, errors.New("event message without id")
	}
	op, ok := f["op"]
	if !ok {
		return Message{}, errors.New("event message without op")
	}
	m := Message{ID: int(id.GetNumberValue()), Op: op.GetStringValue()}
	if pos, ok := f["pos"]; ok {
		vals := pos.GetListValue().GetValues()
		if len(vals) != 2 {
			return Message{}, fmt.Errorf("event message pos has %d values", len(vals))
		}
		m.Pos = []float64{vals[0].GetNumberValue(), vals[1].GetNumberValue()}
	}
	if a, ok := f["angle"]; ok {
		angle := a.GetNumberValue()
		m.Angle = &angle
	}
	return m, nil
}

// GRPCConfig configures the gRPC publisher.
type GRPCConfig struct {
	// ListenAddr is the address to listen on (e.g. "localhost:50051").
	ListenAddr string

	Queue       int
	ClientQueue int
}

// DefaultGRPCConfig returns the default configuration.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		ListenAddr:  "localhost:50051",
		Queue:       DefaultQueue,
		ClientQueue: DefaultClientQueue,
	}
}

// GRPC streams registry events to gRPC clients.
type GRPC struct {
	cfg      GRPCConfig
	poses    Poses
	hub      *Hub[*structpb.Struct]
	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewGRPC returns a stopped gRPC publisher.
func NewGRPC(cfg GRPCConfig, poses Poses) *GRPC {
	return &GRPC{
		cfg:   cfg,
		poses: poses,
		hub:   NewHub[*structpb.Struct]("gRPC", cfg.Queue, cfg.ClientQueue),
	}
}

// Name implements Publisher.
func (p *GRPC) Name() string { return "gRPC" }

// Start binds the listener and serves the Tracker service.
func (p *GRPC) Start() error {
	log.Printf("[gRPC] Attempting to bind to %s...", p.cfg.ListenAddr)
	lis, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := p.hub.Start(); err != nil {
		lis.Close()
		return err
	}
	p.listener = lis
	p.server = grpc.NewServer()
	p.server.RegisterService(&TrackerServiceDesc, p)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Printf("[gRPC] server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("[gRPC] server error: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener and all streams, then waits for the serve
// goroutine. Streams never end on their own, so the server is stopped
// rather than drained.
func (p *GRPC) Stop() {
	if p.server != nil {
		p.server.Stop()
	}
	p.hub.Stop()
	p.wg.Wait()
	log.Printf("[gRPC] server stopped")
}

// Addr returns the bound listener address.
func (p *GRPC) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Fire converts ev and queues it for every stream. It never blocks.
func (p *GRPC) Fire(ev registry.Event, id int) error {
	msg, err := NewMessage(ev, id, p.poses)
	if err != nil {
		return err
	}
	s, err := msg.ToStruct()
	if err != nil {
		return fmt.Errorf("encode %s %d: %w", ev, id, err)
	}
	p.hub.Broadcast(s)
	return nil
}

// Stats implements Publisher.
func (p *GRPC) Stats() Stats {
	s := p.hub.Stats()
	s.Addr = p.Addr()
	return s
}

// StreamEvents implements the Tracker service.
func (p *GRPC) StreamEvents(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	remote := "unknown"
	if pr, ok := peer.FromContext(ctx); ok {
		remote = pr.Addr.String()
	}

	client := p.hub.Register(remote)
	defer p.hub.Unregister(client.ID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return status.Error(codes.Unavailable, "publisher stopped")
		case msg := <-client.Messages():
			if err := stream.SendMsg(msg); err != nil {
				log.Printf("[gRPC] send to %s failed: %v", remote, err)
				return err
			}
		}
	}
}

// EventStream receives registry events from a Tracker service.
type EventStream interface {
	Recv() (Message, error)
	grpc.ClientStream
}

type eventStream struct {
	grpc.ClientStream
}

func (s *eventStream) Recv() (Message, error) {
	m := new(structpb.Struct)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return Message{}, err
	}
	return MessageFromStruct(m)
}

// StreamEvents opens an event stream on cc.
func StreamEvents(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (EventStream, error) {
	stream, err := cc.NewStream(ctx, &TrackerServiceDesc.Streams[0], StreamEventsMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &eventStream{stream}, nil
}
