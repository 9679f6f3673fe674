package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxMessageSize bounds a single JSON message. An announce for a very
// large library stays well under this; anything bigger is hostile.
const MaxMessageSize = 8 << 20

// DefaultCallTimeout bounds one-shot request/reply exchanges when the
// caller supplies no deadline of its own.
const DefaultCallTimeout = 10 * time.Second

// ReadMessage consumes exactly one JSON value from r and returns its raw
// bytes. It keeps reading until the value is complete, so messages larger
// than any single read still decode; it fails if the value exceeds
// MaxMessageSize.
func ReadMessage(r io.Reader) (json.RawMessage, error) {
	dec := json.NewDecoder(io.LimitReader(r, MaxMessageSize))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return raw, nil
}

// Decode unmarshals a raw message into v. Used for the second pass of the
// envelope-then-body decode.
func Decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// WriteMessage sends v as one JSON value on w.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Call performs the one-shot exchange the protocol is built on: dial addr,
// send req, read one JSON reply into reply, close. The context deadline
// (or DefaultCallTimeout when absent) covers the whole exchange.
func Call(ctx context.Context, addr string, req, reply any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	if err := WriteMessage(conn, req); err != nil {
		return err
	}

	raw, err := ReadMessage(conn)
	if err != nil {
		return err
	}
	return Decode(raw, reply)
}

// Send performs the fire-and-forget half of the protocol: dial, write one
// JSON object, close without waiting for a reply.
func Send(ctx context.Context, addr string, req any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	return WriteMessage(conn, req)
}
