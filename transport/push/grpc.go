package push

import (
	"context"

	"github.com/maxpert/ripple/fanout"
	"github.com/maxpert/ripple/subscription"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "ripple.push.v1.PushService"
	ConnectPath = "/" + ServiceName + "/Connect"
)

// Handler is the server side of the push service
type Handler interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "ripple/push/v1/push.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Handler).Connect(stream)
}

// Register adds the push service to a gRPC server
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamConn carries frames as google.protobuf.Struct messages
type streamConn struct {
	stream msgStream
	ctx    context.Context
}

func (c *streamConn) Context() context.Context {
	return c.ctx
}

func (c *streamConn) Send(m *Message) error {
	st, err := toStruct(m)
	if err != nil {
		return err
	}
	return c.stream.SendMsg(st)
}

func (c *streamConn) Recv() (*Message, error) {
	st := &structpb.Struct{}
	if err := c.stream.RecvMsg(st); err != nil {
		return nil, err
	}
	return fromStruct(st)
}

// Server accepts push connections
type Server struct {
	config      Config
	registry    *subscription.Registry
	broadcaster *fanout.Broadcaster
	replays     ReplaySource
	auth        Authenticator
}

func NewServer(config Config, registry *subscription.Registry, broadcaster *fanout.Broadcaster, replays ReplaySource, auth Authenticator) *Server {
	return &Server{
		config:      config,
		registry:    registry,
		broadcaster: broadcaster,
		replays:     replays,
		auth:        auth,
	}
}

// Connect serves one gRPC stream
func (s *Server) Connect(stream grpc.ServerStream) error {
	return s.Serve(&streamConn{stream: stream, ctx: stream.Context()})
}

// Serve runs a session on any frame connection
func (s *Server) Serve(conn FrameConn) error {
	return newSession(conn, s.config, s.registry, s.broadcaster, s.replays, s.auth).Run()
}

// Client is the client end of a push connection
type Client struct {
	stream grpc.ClientStream
	conn   *streamConn
}

// Dial opens the Connect stream on an existing client connection
func Dial(ctx context.Context, cc *grpc.ClientConn, opts ...grpc.CallOption) (*Client, error) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], ConnectPath, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		stream: stream,
		conn:   &streamConn{stream: stream, ctx: stream.Context()},
	}, nil
}

func (c *Client) Send(m *Message) error {
	return c.conn.Send(m)
}

func (c *Client) Recv() (*Message, error) {
	return c.conn.Recv()
}

// CloseSend half-closes the stream; the server ends the session
func (c *Client) CloseSend() error {
	return c.stream.CloseSend()
}
