package nodewire

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
)

// CodecName is the content subtype node daemons must negotiate.
const CodecName = "json"

// Codec is a grpc encoding.Codec that carries the wire frames as JSON.
// The protocol has a small frame rate and favors debuggability over
// proto's compactness.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("nodewire: marshal %T: %w", v, err)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("nodewire: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string { return CodecName }

// NodeServiceServer is implemented by the control plane's stream handler.
type NodeServiceServer interface {
	StreamEvents(NodeService_StreamEventsServer) error
}

// NodeService_StreamEventsServer is the typed server view of the stream.
type NodeService_StreamEventsServer interface {
	Send(*ControlMessage) error
	Recv() (*NodeMessage, error)
	grpc.ServerStream
}

type streamEventsServer struct {
	grpc.ServerStream
}

func (s *streamEventsServer) Send(m *ControlMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *streamEventsServer) Recv() (*NodeMessage, error) {
	m := new(NodeMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func streamEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(NodeServiceServer).StreamEvents(&streamEventsServer{stream})
}

// ServiceDesc is registered by hand; the frames are plain structs rather
// than generated protobuf types.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "sandchest.node.v1.NodeService",
	HandlerType: (*NodeServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "sandchest/node/v1/node.json",
}

// RegisterNodeServiceServer wires the handler into a grpc server.
func RegisterNodeServiceServer(s grpc.ServiceRegistrar, srv NodeServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// NodeServiceClient is the daemon-side view; the control plane also uses
// it from tests.
type NodeServiceClient interface {
	StreamEvents(ctx context.Context, opts ...grpc.CallOption) (NodeService_StreamEventsClient, error)
}

type NodeService_StreamEventsClient interface {
	Send(*NodeMessage) error
	Recv() (*ControlMessage, error)
	grpc.ClientStream
}

type nodeServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewNodeServiceClient(cc grpc.ClientConnInterface) NodeServiceClient {
	return &nodeServiceClient{cc}
}

func (c *nodeServiceClient) StreamEvents(ctx context.Context, opts ...grpc.CallOption) (NodeService_StreamEventsClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/sandchest.node.v1.NodeService/StreamEvents", opts...)
	if err != nil {
		return nil, err
	}
	return &streamEventsClient{stream}, nil
}

type streamEventsClient struct {
	grpc.ClientStream
}

func (c *streamEventsClient) Send(m *NodeMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *streamEventsClient) Recv() (*ControlMessage, error) {
	m := new(ControlMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
