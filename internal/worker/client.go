package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// Client is the worker subprocess's half of the supervisor-socket
// capability protocol: it sends a CapabilityRequest and gets back a
// Decision plus, when granted, an open file descriptor for the path. One
// Client per worker process, dialed against --supervisor-socket.
type Client struct {
	conn   *net.UnixConn
	reader *bufio.Reader
}

// DialSupervisor connects to the supervisor socket at path.
func DialSupervisor(path string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("worker: resolve supervisor socket: %w", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("worker: dial supervisor socket: %w", err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Request asks the supervisor to grant req, blocking for the Decision. On
// grant, the returned *os.File wraps the descriptor the supervisor passed
// back over SCM_RIGHTS; the caller owns it and must Close it.
func (c *Client) Request(req CapabilityRequest) (Decision, *os.File, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("worker: encode capability request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := c.conn.Write(payload); err != nil {
		return Decision{}, nil, fmt.Errorf("worker: send capability request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Decision{}, nil, fmt.Errorf("worker: read decision: %w", err)
	}
	var decision Decision
	if err := json.Unmarshal(line, &decision); err != nil {
		return Decision{}, nil, fmt.Errorf("worker: malformed decision: %w", err)
	}
	if !decision.Granted {
		return decision, nil, nil
	}

	fd, err := recvFD(c.conn)
	if err != nil {
		return decision, nil, fmt.Errorf("worker: receive fd: %w", err)
	}
	return decision, os.NewFile(uintptr(fd), req.Path), nil
}

// Close releases the supervisor connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
