// Package console implements the operator-facing live pool dashboard: a
// small status server the engine process runs alongside its IPC loop, and
// a bubbletea client ("workerd status") that attaches to it read-only.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/coldharbor/workerd/internal/vmpool"
)

// Snapshot is one JSON line on the status socket: every slot's state and
// claimed key at the moment it was taken.
type Snapshot struct {
	Slots []vmpool.SlotStatus `json:"slots"`
}

// Server periodically writes a Snapshot to every connected client until the
// client disconnects or the server's context is cancelled.
type Server struct {
	pool *vmpool.Pool
}

// NewServer builds a Server reading from pool.
func NewServer(pool *vmpool.Pool) *Server {
	return &Server{pool: pool}
}

// ListenAndServe listens on a unix socket at sockPath and serves snapshots
// to every connection until ctx is cancelled. It does not remove a stale
// socket file itself; the engine's startup in main.go removes it first.
func (s *Server) ListenAndServe(ctx context.Context, sockPath string) error {
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("console: listening on %s: %w", sockPath, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("console: accept: %w", err)
			}
		}
		go s.serveConn(ctx, c)
	}
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	enc := json.NewEncoder(c)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		snap := Snapshot{Slots: s.pool.Snapshot()}
		if err := enc.Encode(snap); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Client attaches to a running Server and reads Snapshots off the wire one
// JSON line at a time.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// Dial connects to the status socket at sockPath.
func Dial(sockPath string) (*Client, error) {
	c, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("console: dialing %s: %w", sockPath, err)
	}
	return &Client{conn: c, scanner: bufio.NewScanner(c)}, nil
}

// Read blocks for the next Snapshot line.
func (c *Client) Read() (Snapshot, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("console: status connection closed")
	}
	var snap Snapshot
	if err := json.Unmarshal(c.scanner.Bytes(), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("console: decoding snapshot: %w", err)
	}
	return snap, nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}
