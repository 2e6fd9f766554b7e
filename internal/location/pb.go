package location

import (
	"context"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// PositionUpdate is one fix streamed by a device.
type PositionUpdate struct {
	SubjectId string   `json:"subject_id"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Ts        int64    `json:"ts"`
}

// Ack is returned when the client closes the stream.
type Ack struct {
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
}

// CodecName is the content subtype both ends must use.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamPositions(Location_StreamPositionsServer) error
}

var locationServiceDesc = grpc.ServiceDesc{
	ServiceName: "festivo.location.Location",
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamPositions",
		Handler:       _Location_StreamPositions_Handler,
		ClientStreams: true,
	}},
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s grpc.ServiceRegistrar, srv LocationServer) {
	s.RegisterService(&locationServiceDesc, srv)
}

// Location_StreamPositionsServer is the server side of the client stream.
type Location_StreamPositionsServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*PositionUpdate, error)
}

func _Location_StreamPositions_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamPositions(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *locationStreamServer) Recv() (*PositionUpdate, error) {
	msg := new(PositionUpdate)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// LocationClient is the client side used by devices and tests.
type LocationClient interface {
	StreamPositions(ctx context.Context, opts ...grpc.CallOption) (Location_StreamPositionsClient, error)
}

type Location_StreamPositionsClient interface {
	grpc.ClientStream
	Send(*PositionUpdate) error
	CloseAndRecv() (*Ack, error)
}

type locationClient struct {
	cc grpc.ClientConnInterface
}

func NewLocationClient(cc grpc.ClientConnInterface) LocationClient {
	return &locationClient{cc: cc}
}

func (c *locationClient) StreamPositions(ctx context.Context, opts ...grpc.CallOption) (Location_StreamPositionsClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &locationServiceDesc.Streams[0], "/festivo.location.Location/StreamPositions", opts...)
	if err != nil {
		return nil, err
	}
	return &locationStreamClient{ClientStream: stream}, nil
}

type locationStreamClient struct {
	grpc.ClientStream
}

func (c *locationStreamClient) Send(msg *PositionUpdate) error { return c.ClientStream.SendMsg(msg) }

func (c *locationStreamClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
