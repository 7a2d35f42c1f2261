// Package protocol defines the wire messages exchanged between client and
// server. Each message is one frame in the same encoding the store uses
// for its segment records, so both directions of a connection and a
// segment scan share a single decoding discipline.
package protocol

import (
	"fmt"
	"io"

	"github.com/bitkv/bitkv/core"
)

// Op identifies a request variant.
type Op byte

const (
	OpSet Op = iota + 1
	OpGet
	OpRemove
)

// Status identifies a response variant. The ranges of Op and Status are
// kept disjoint so a frame read from the wrong direction is unmistakable.
type Status byte

const (
	StatusOk Status = iota + 16
	StatusKeyNotFound
	StatusInvalidCommand
	StatusServerError
)

// flag bits
const flagHasValue = 1 << 0

// Request is one client command.
type Request struct {
	Op  Op
	Key string
	Val string
}

// Response is the server's reply to one Request.
//
//	StatusOk             Value/HasValue carry the optional payload
//	StatusKeyNotFound    Key names the missing key
//	StatusInvalidCommand Reason explains the rejection
//	StatusServerError    no payload
type Response struct {
	Status   Status
	Value    string
	HasValue bool
	Key      string
	Reason   string
}

// OkNone is the empty success reply.
func OkNone() Response { return Response{Status: StatusOk} }

// OkValue is a success reply carrying a value.
func OkValue(v string) Response {
	return Response{Status: StatusOk, Value: v, HasValue: true}
}

// KeyNotFound reports a missing key for Remove.
func KeyNotFound(key string) Response {
	return Response{Status: StatusKeyNotFound, Key: key}
}

// InvalidCommand rejects a request the server could not decode.
func InvalidCommand(reason string) Response {
	return Response{Status: StatusInvalidCommand, Reason: reason}
}

// ServerError reports an internal failure without detail.
func ServerError() Response { return Response{Status: StatusServerError} }

// WriteRequest frames req onto w.
func WriteRequest(w io.Writer, req Request) error {
	f := &core.Frame{Kind: byte(req.Op), A: []byte(req.Key), B: []byte(req.Val)}
	_, err := w.Write(core.EncodeFrame(f))
	return err
}

// ReadRequest decodes one request frame. Malformed frames surface an error
// wrapping core.ErrBadRecord; the server answers those with
// InvalidCommand and keeps the connection.
func ReadRequest(r io.Reader) (Request, error) {
	f, _, err := core.ReadFrame(r)
	if err != nil {
		return Request{}, err
	}

	op := Op(f.Kind)
	switch op {
	case OpSet, OpGet, OpRemove:
	default:
		return Request{}, fmt.Errorf("%w: unknown request op %d", core.ErrBadRecord, f.Kind)
	}

	return Request{Op: op, Key: string(f.A), Val: string(f.B)}, nil
}

// WriteResponse frames resp onto w.
func WriteResponse(w io.Writer, resp Response) error {
	f := &core.Frame{Kind: byte(resp.Status)}

	switch resp.Status {
	case StatusOk:
		if resp.HasValue {
			f.Flags |= flagHasValue
			f.A = []byte(resp.Value)
		}
	case StatusKeyNotFound:
		f.A = []byte(resp.Key)
	case StatusInvalidCommand:
		f.A = []byte(resp.Reason)
	case StatusServerError:
	default:
		return fmt.Errorf("unknown response status %d", resp.Status)
	}

	_, err := w.Write(core.EncodeFrame(f))
	return err
}

// ReadResponse decodes one response frame.
func ReadResponse(r io.Reader) (Response, error) {
	f, _, err := core.ReadFrame(r)
	if err != nil {
		return Response{}, err
	}

	status := Status(f.Kind)
	resp := Response{Status: status}

	switch status {
	case StatusOk:
		if f.Flags&flagHasValue != 0 {
			resp.Value = string(f.A)
			resp.HasValue = true
		}
	case StatusKeyNotFound:
		resp.Key = string(f.A)
	case StatusInvalidCommand:
		resp.Reason = string(f.A)
	case StatusServerError:
	default:
		return Response{}, fmt.Errorf("%w: unknown response status %d", core.ErrBadRecord, f.Kind)
	}

	return resp, nil
}
