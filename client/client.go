// Package client speaks the wire protocol over one long-lived connection.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"

	"github.com/bitkv/bitkv/protocol"
)

// ErrKeyNotFound reports a Remove against a missing key.
var ErrKeyNotFound = errors.New("key not found")

// Client holds a single connection carrying a stream of request/response
// pairs. Not safe for concurrent use; one client per goroutine.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Dial connects to a server.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(req protocol.Request) (protocol.Response, error) {
	if err := protocol.WriteRequest(c.w, req); err != nil {
		return protocol.Response{}, err
	}
	if err := c.w.Flush(); err != nil {
		return protocol.Response{}, err
	}
	return protocol.ReadResponse(c.r)
}

// Set maps key to val on the server.
func (c *Client) Set(key, val string) error {
	resp, err := c.roundTrip(protocol.Request{Op: protocol.OpSet, Key: key, Val: val})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOk {
		return responseError(resp)
	}
	return nil
}

// Get fetches the value for key. The second return reports whether the key
// exists.
func (c *Client) Get(key string) (string, bool, error) {
	resp, err := c.roundTrip(protocol.Request{Op: protocol.OpGet, Key: key})
	if err != nil {
		return "", false, err
	}
	if resp.Status != protocol.StatusOk {
		return "", false, responseError(resp)
	}
	return resp.Value, resp.HasValue, nil
}

// Remove deletes key on the server. A missing key returns ErrKeyNotFound.
func (c *Client) Remove(key string) error {
	resp, err := c.roundTrip(protocol.Request{Op: protocol.OpRemove, Key: key})
	if err != nil {
		return err
	}
	switch resp.Status {
	case protocol.StatusOk:
		return nil
	case protocol.StatusKeyNotFound:
		return fmt.Errorf("%w: %q", ErrKeyNotFound, resp.Key)
	default:
		return responseError(resp)
	}
}

func responseError(resp protocol.Response) error {
	switch resp.Status {
	case protocol.StatusInvalidCommand:
		return fmt.Errorf("server rejected command: %s", resp.Reason)
	case protocol.StatusServerError:
		return errors.New("server error")
	case protocol.StatusKeyNotFound:
		return fmt.Errorf("%w: %q", ErrKeyNotFound, resp.Key)
	default:
		return fmt.Errorf("unexpected response status %d", resp.Status)
	}
}
