package api

import (
	"context"
	"fmt"

	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/syncstate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client for the Relay service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) call(ctx context.Context, method string, in proto.Message, v any) error {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, method, in, out); err != nil {
		return err
	}
	return fromStruct(out, v)
}

func entityRequest(entityType, id string) (*structpb.Struct, error) {
	return toStruct(EntityRef{Type: entityType, ID: id})
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.call(ctx, "GetStatus", &emptypb.Empty{}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// DeliveryStats returns outbound delivery counts.
func (c *Client) DeliveryStats(ctx context.Context) (delivery.Stats, error) {
	var stats delivery.Stats
	err := c.call(ctx, "GetDeliveryStats", &emptypb.Empty{}, &stats)
	return stats, err
}

// SyncStats returns sync counts for entityType; empty means all types.
func (c *Client) SyncStats(ctx context.Context, entityType string) (syncstate.Stats, error) {
	var stats syncstate.Stats
	req, err := structpb.NewStruct(map[string]any{"type": entityType})
	if err != nil {
		return stats, err
	}
	err = c.call(ctx, "GetSyncStats", req, &stats)
	return stats, err
}

// SyncEntity reconciles one entity now.
func (c *Client) SyncEntity(ctx context.Context, entityType, id string) (*EntityResult, error) {
	return c.entityCall(ctx, "SyncEntity", entityType, id)
}

// ResolveConflict applies last-write-wins to a conflicted entity.
func (c *Client) ResolveConflict(ctx context.Context, entityType, id string) (*EntityResult, error) {
	return c.entityCall(ctx, "ResolveConflict", entityType, id)
}

func (c *Client) entityCall(ctx context.Context, method, entityType, id string) (*EntityResult, error) {
	req, err := entityRequest(entityType, id)
	if err != nil {
		return nil, err
	}
	var res EntityResult
	if err := c.call(ctx, method, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SyncAll runs a batch pass now.
func (c *Client) SyncAll(ctx context.Context) (*PassReport, error) {
	var report PassReport
	if err := c.call(ctx, "SyncAll", &emptypb.Empty{}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Requeue releases an ERROR entity back into batch passes.
func (c *Client) Requeue(ctx context.Context, entityType, id string) error {
	req, err := entityRequest(entityType, id)
	if err != nil {
		return err
	}
	return c.invoke(ctx, "RequeueEntity", req, &emptypb.Empty{})
}

// SendText enqueues an outbound message.
func (c *Client) SendText(ctx context.Context, address, body, threadID string) (*Sent, error) {
	req, err := toStruct(SendRequest{Address: address, Body: body, ThreadID: threadID})
	if err != nil {
		return nil, err
	}
	var sent Sent
	if err := c.call(ctx, "SendText", req, &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

// Conflicts lists entities awaiting resolution.
func (c *Client) Conflicts(ctx context.Context) ([]ConflictInfo, error) {
	var list ConflictList
	if err := c.call(ctx, "ListConflicts", &emptypb.Empty{}, &list); err != nil {
		return nil, err
	}
	return list.Conflicts, nil
}
