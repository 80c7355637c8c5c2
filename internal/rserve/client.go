package rserve

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Client is a connection to an Rserve server speaking QAP1.
// Requests on one client are serialized.
type Client struct {
	conn         net.Conn
	mu           sync.Mutex
	authRequired bool
	logger       *slog.Logger
}

// Dial connects to addr and performs the protocol handshake
func Dial(ctx context.Context, addr string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rserve: failed to connect to %s: %w", addr, err)
	}
	c, err := NewClient(conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the handshake on an established connection
func NewClient(conn net.Conn, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id := make([]byte, idSize)
	if _, err := io.ReadFull(conn, id); err != nil {
		return nil, fmt.Errorf("rserve: failed to read server id: %w", err)
	}
	if string(id[:len(protocolID)]) != protocolID {
		return nil, fmt.Errorf("rserve: unsupported server id %q", string(id[:len(protocolID)]))
	}

	c := &Client{conn: conn, logger: logger.With(slog.String("component", "rserve"))}
	attrs := string(id[len(protocolID):])
	c.authRequired = strings.Contains(attrs, "ARpt") || strings.Contains(attrs, "ARuc")

	c.logger.Debug("Connected to Rserve",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.Bool("auth_required", c.authRequired))
	return c, nil
}

// AuthRequired reports whether the server asked for a login
func (c *Client) AuthRequired() bool {
	return c.authRequired
}

// Login authenticates with a plain-text user and password
func (c *Client) Login(ctx context.Context, user, password string) error {
	_, err := c.request(ctx, cmdLogin, encodeString(user+"\n"+password))
	return err
}

// Eval evaluates an R expression and decodes its value
func (c *Client) Eval(ctx context.Context, expr string) (interface{}, error) {
	payload, err := c.request(ctx, cmdEval, encodeString(expr))
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}

	typ, body, _, err := decodeParam(payload)
	if err != nil {
		return nil, err
	}
	if typ != dtSEXP {
		return nil, fmt.Errorf("rserve: unexpected response parameter type %d", typ)
	}
	v, _, err := decodeSEXP(body)
	return v, err
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) request(ctx context.Context, cmd int, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	msg := append(encodeHeader(cmd, len(payload)), payload...)
	if _, err := c.conn.Write(msg); err != nil {
		return nil, fmt.Errorf("rserve: failed to send command: %w", err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("rserve: failed to read response: %w", err)
	}
	resp := binary.LittleEndian.Uint32(header[0:])
	length := uint64(binary.LittleEndian.Uint32(header[4:])) | uint64(binary.LittleEndian.Uint32(header[12:]))<<32

	body := make([]byte, length)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, fmt.Errorf("rserve: failed to read response body: %w", err)
	}

	switch {
	case resp&0xffffff == respOK:
		return body, nil
	case resp&0xffffff == respErr:
		return nil, &ServerError{Code: int(resp >> 24)}
	default:
		return nil, fmt.Errorf("rserve: unexpected response code 0x%x", resp)
	}
}
