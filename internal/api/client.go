package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/tarpsync/internal/blobcache"
	"github.com/matheus3301/tarpsync/internal/outbox"
	intsync "github.com/matheus3301/tarpsync/internal/sync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(ContentSubtype)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, method, in, out)
}

// Status fetches the sync status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	return out, c.call(ctx, MethodStatusGet, &Empty{}, out)
}

// Reconcile forces a pull pass.
func (c *Client) Reconcile(ctx context.Context) (*intsync.Result, error) {
	out := new(intsync.Result)
	return out, c.call(ctx, MethodSyncReconcile, &Empty{}, out)
}

// Drain forces a queue drain.
func (c *Client) Drain(ctx context.Context) (*outbox.DrainResult, error) {
	out := new(outbox.DrainResult)
	return out, c.call(ctx, MethodSyncDrain, &Empty{}, out)
}

// SetOnline pins connectivity; nil releases the pin.
func (c *Client) SetOnline(ctx context.Context, online *bool) (*ConnectivityResponse, error) {
	out := new(ConnectivityResponse)
	return out, c.call(ctx, MethodSyncSetOnline, &SetOnlineRequest{Online: online}, out)
}

// Send submits a user intent.
func (c *Client) Send(ctx context.Context, in outbox.Intent) (*outbox.SendResult, error) {
	out := new(outbox.SendResult)
	return out, c.call(ctx, MethodOutboxSend, &in, out)
}

// CacheStats reports the image cache.
func (c *Client) CacheStats(ctx context.Context) (*blobcache.Stats, error) {
	out := new(blobcache.Stats)
	return out, c.call(ctx, MethodCacheStats, &Empty{}, out)
}

// CacheClear empties the daemon's caches.
func (c *Client) CacheClear(ctx context.Context) error {
	return c.call(ctx, MethodCacheClear, &Empty{}, &Empty{})
}

// StoreClear wipes the local store.
func (c *Client) StoreClear(ctx context.Context) error {
	return c.call(ctx, MethodStoreClear, &Empty{}, &Empty{})
}

// Groups lists groups.
func (c *Client) Groups(ctx context.Context) (*GroupsResponse, error) {
	out := new(GroupsResponse)
	return out, c.call(ctx, MethodGroupsList, &Empty{}, out)
}

// Messages lists a group's messages.
func (c *Client) Messages(ctx context.Context, groupID string, limit int) (*MessagesResponse, error) {
	out := new(MessagesResponse)
	return out, c.call(ctx, MethodGroupsMessages, &MessagesRequest{GroupID: groupID, Limit: limit}, out)
}

// Watch streams events matching namespace to fn until ctx ends or fn
// returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(*EventEnvelope) error) error {
	stream, err := c.conn.NewStream(ctx, watchStreamDesc, MethodEventsWatch)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchRequest{Namespace: namespace}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		env := new(EventEnvelope)
		if err := stream.RecvMsg(env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}
