package control

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Client calls a control API server over one connection
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	nextID int
}

// Dial connects to the control API at addr
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to control API")
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Call invokes method and decodes the result into out, which may be nil
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(d); err != nil {
			return err
		}
	}
	c.nextID++
	id := strconv.Itoa(c.nextID)
	if err := c.enc.Encode(Request{Method: method, ID: id, Params: params}); err != nil {
		return errors.Wrap(err, "failed to send request")
	}

	var resp struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
		Code   string          `json:"code"`
	}
	if err := c.dec.Decode(&resp); err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.ID != id {
		return errors.Errorf("response id %q does not match request %q", resp.ID, id)
	}
	switch {
	case resp.Code == CodeNotFound:
		return errors.Wrap(ErrNotFound, resp.Error)
	case resp.Code == CodeInvalidContent:
		return errors.Wrap(ErrInvalidContent, resp.Error)
	case resp.Error != "":
		return errors.New(resp.Error)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
