package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Handler implements the seven cluster RPCs on the receiving node. A node
// process wires this to its local federation.Coordinator; federation itself
// never touches net.Conn directly.
type Handler interface {
	Index(ctx context.Context, req IndexRequest) (IndexResponse, error)
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
	Aggregate(ctx context.Context, req AggregateRequest) (AggregateResponse, error)
	GetDoc(ctx context.Context, req GetDocRequest) (GetDocResponse, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)
	ReplicateSegment(ctx context.Context, req ReplicateSegmentRequest) (ReplicateSegmentResponse, error)
	Gossip(ctx context.Context, req GossipRequest) (GossipResponse, error)
}

// Server accepts connections and dispatches frames to Handler, one
// goroutine per in-flight request so a slow Search doesn't block a
// concurrent Heartbeat on the same connection (spec §4.9 "stream-level
// backpressure per peer" without literal multiplexed streams).
type Server struct {
	handler  Handler
	logger   *zap.Logger
	listener net.Listener
}

// NewServer wraps handler; Serve(listener) then accepts connections.
func NewServer(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, logger: logger}
}

// Serve accepts connections on l until it is closed. Each connection runs
// its own read loop on the calling goroutine's behalf via a spawned
// goroutine; Serve itself blocks until Accept returns an error (typically
// because the listener was closed).
func (s *Server) Serve(l net.Listener) error {
	s.listener = l
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	fw := newFrameWriter(conn)
	fr := newFrameReader(conn)

	for {
		var env envelope
		if err := fr.readFrame(&env); err != nil {
			return
		}
		if env.isResponse() {
			continue // servers don't originate requests on this connection
		}
		go s.handle(fw, env)
	}
}

func (s *Server) handle(fw *frameWriter, req envelope) {
	resp := envelope{ID: req.ID}
	payload, err := s.dispatch(context.Background(), req.Method, req.Payload)
	if err != nil {
		resp.Err = err.Error()
	} else {
		raw, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			resp.Err = marshalErr.Error()
		} else {
			resp.Payload = raw
		}
	}
	if err := fw.writeFrame(resp); err != nil {
		s.logger.Warn("cluster: failed to write response frame", zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, method Method, payload json.RawMessage) (any, error) {
	switch method {
	case MethodIndex:
		var req IndexRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.handler.Index(ctx, req)
	case MethodSearch:
		var req SearchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.handler.Search(ctx, req)
	case MethodAggregate:
		var req AggregateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.handler.Aggregate(ctx, req)
	case MethodGetDoc:
		var req GetDocRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.handler.GetDoc(ctx, req)
	case MethodHeartbeat:
		var req HeartbeatRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.handler.Heartbeat(ctx, req)
	case MethodReplicateSegment:
		var req ReplicateSegmentRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.handler.ReplicateSegment(ctx, req)
	case MethodGossip:
		var req GossipRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return s.handler.Gossip(ctx, req)
	default:
		return nil, fmt.Errorf("cluster: unknown method %q", method)
	}
}
