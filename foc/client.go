package foc

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cmn"
)

// Mode selects between the two FailOverCacheClient personalities.
type Mode int

const (
	// ModeSync returns from AddEntries only after the server has acked
	// the write -- used while a volume's data is not yet durable
	// anywhere else.
	ModeSync Mode = iota
	// ModeAsync queues entries into a bounded write-behind buffer and
	// returns immediately; a background goroutine drains the buffer to
	// the server once it crosses write_trigger entries. Used once the
	// volume has an independent durability story (e.g. during restart
	// replay) and only needs the FOC for crash-window protection.
	ModeAsync
)

// DegradedFunc is invoked at most once per Client when the FOC
// becomes unreachable or the server returns an unexpected error --
// VolumeEngine wires this to its own DEGRADED transition.
type DegradedFunc func(err error)

// Client is the FailOverCacheClient: it registers one namespace with a
// FOC server and streams TLog entries to it, synchronously or through
// a double-buffered write-behind queue.
type Client struct {
	addr        string
	connTimeout time.Duration
	reqTimeout  time.Duration
	mode        Mode
	writeTrigger int
	onDegraded  DegradedFunc

	mu       sync.Mutex
	conn     net.Conn
	degraded bool

	// async mode only: a filling buffer and a drain goroutine.
	asyncMu   sync.Mutex
	filling   []WireEntry
	flushCh   chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	pendingMu sync.Mutex
	pendingErr error
}

// NewClient dials addr and registers namespace under ownerTag. The
// caller picks Mode once at construction and a Client never changes
// it; VolumeEngine opens a ModeSync client for the running volume.
func NewClient(addr string, reg RegisterPayload, mode Mode, cfg *cmn.Config, onDegraded DegradedFunc) (*Client, error) {
	c := &Client{
		addr:         addr,
		connTimeout:  cfg.DTLConnectTimeout(),
		reqTimeout:   cfg.DTLRequestTimeout(),
		mode:         mode,
		writeTrigger: cfg.DTLWriteTrigger,
		onDegraded:   onDegraded,
	}
	if c.writeTrigger <= 0 {
		c.writeTrigger = 8
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	if err := c.doRegister(reg); err != nil {
		c.closeConn()
		return nil, err
	}
	if mode == ModeAsync {
		c.flushCh = make(chan struct{}, 1)
		c.stopCh = make(chan struct{})
		go c.drainLoop()
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.connTimeout)
	if err != nil {
		return cmn.NewErr(cmn.KindFocUnreachable, err, "foc client: dial %s", c.addr)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// fail marks the client degraded and invokes the callback exactly
// once: on server/transport error, mark the volume DEGRADED via a
// callback rather than retrying silently.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	already := c.degraded
	c.degraded = true
	c.mu.Unlock()
	if !already {
		glog.Warningf("foc client: %s degraded: %v", c.addr, err)
		if c.onDegraded != nil {
			c.onDegraded(err)
		}
	}
	return err
}

func (c *Client) roundTrip(req Frame) (Frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return Frame{}, c.fail(cmn.NewErr(cmn.KindFocUnreachable, nil, "foc client: no connection"))
	}
	_ = conn.SetDeadline(time.Now().Add(c.reqTimeout))
	if err := WriteFrame(conn, req); err != nil {
		c.closeConn()
		return Frame{}, c.fail(cmn.NewErr(cmn.KindFocUnreachable, err, "foc client: write frame"))
	}
	reply, err := ReadFrame(conn)
	if err != nil {
		c.closeConn()
		return Frame{}, c.fail(cmn.NewErr(cmn.KindFocUnreachable, err, "foc client: read frame"))
	}
	if isErrFrame(reply) {
		code, msg := parseErrFrame(reply)
		if code == ErrCodeFenced {
			return Frame{}, cmn.NewErr(cmn.KindFenced, nil, "foc server: %s", msg)
		}
		return Frame{}, c.fail(cmn.NewErr(cmn.KindFocUnreachable, nil, "foc server error %d: %s", code, msg))
	}
	return reply, nil
}

func (c *Client) doRegister(p RegisterPayload) error {
	_, err := c.roundTrip(Frame{Op: OpRegister, Payload: p.Marshal()})
	return err
}

// AddEntries appends entries to the remote log. In ModeSync it blocks
// until the server acks; in ModeAsync it appends to the filling buffer,
// wakes the drain goroutine (without waiting) once the buffer holds at
// least write_trigger entries, and returns at once with the error of an
// earlier failed drain, if any.
func (c *Client) AddEntries(entries []WireEntry) error {
	if c.mode == ModeSync {
		var payload []byte
		for _, e := range entries {
			payload = append(payload, e.Marshal()...)
		}
		_, err := c.roundTrip(Frame{Op: OpAddEntries, Payload: payload})
		return err
	}
	c.asyncMu.Lock()
	c.filling = append(c.filling, entries...)
	trigger := len(c.filling) >= c.writeTrigger
	c.asyncMu.Unlock()
	if trigger {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
	return c.lastPendingErr()
}

func (c *Client) lastPendingErr() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	err := c.pendingErr
	c.pendingErr = nil
	return err
}

func (c *Client) setPendingErr(err error) {
	c.pendingMu.Lock()
	c.pendingErr = err
	c.pendingMu.Unlock()
}

// drainLoop is the async mode's writer task: it swaps the filling
// buffer out whenever write_trigger is crossed or the ticker fires,
// and streams the swapped-out buffer to the server.
func (c *Client) drainLoop() {
	ticker := time.NewTicker(c.reqTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			c.swapAndSend()
			return
		case <-c.flushCh:
			c.swapAndSend()
		case <-ticker.C:
			c.swapAndSend()
		}
	}
}

func (c *Client) swapAndSend() {
	c.asyncMu.Lock()
	batch := c.filling
	c.filling = nil
	c.asyncMu.Unlock()
	if len(batch) == 0 {
		return
	}
	var payload []byte
	for _, e := range batch {
		payload = append(payload, e.Marshal()...)
	}
	if _, err := c.roundTrip(Frame{Op: OpAddEntries, Payload: payload}); err != nil {
		c.setPendingErr(err)
	}
}

// Flush blocks until the currently-filling async buffer has been
// sent, or is a no-op round trip in sync mode.
func (c *Client) Flush() error {
	if c.mode == ModeAsync {
		c.swapAndSend()
		if err := c.lastPendingErr(); err != nil {
			return err
		}
	}
	_, err := c.roundTrip(Frame{Op: OpFlush})
	return err
}

// RemoveUpTo asks the server to drop all entries for SCOs <= sco,
// called once a range has been durably promoted to the backend.
func (c *Client) RemoveUpTo(sco uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, sco)
	_, err := c.roundTrip(Frame{Op: OpRemoveUpTo, Payload: buf})
	return err
}

// Clear drops all entries for this namespace, called after a clean
// volume shutdown.
func (c *Client) Clear() error {
	_, err := c.roundTrip(Frame{Op: OpClear})
	return err
}

// GetRange reports the [min, max] SCO numbers the server currently
// holds for this namespace.
func (c *Client) GetRange() (minSCO, maxSCO uint32, ok bool, err error) {
	reply, err := c.roundTrip(Frame{Op: OpGetSCORange})
	if err != nil {
		return 0, 0, false, err
	}
	if len(reply.Payload) < 9 {
		return 0, 0, false, cmn.NewErr(cmn.KindBadRequest, nil, "foc client: short get_range reply")
	}
	ok = reply.Payload[0] == 1
	minSCO = binary.LittleEndian.Uint32(reply.Payload[1:5])
	maxSCO = binary.LittleEndian.Uint32(reply.Payload[5:9])
	return minSCO, maxSCO, ok, nil
}

// GetSCO returns every entry the server holds for one SCO, in the
// order they were originally added -- used by restart replay to
// recover writes that never made it to the backend.
func (c *Client) GetSCO(sco uint32) ([]WireEntry, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, sco)
	reply, err := c.roundTrip(Frame{Op: OpGetSCO, Payload: buf})
	if err != nil {
		return nil, err
	}
	return UnmarshalWireEntries(reply.Payload)
}

// Unregister tells the server to drop this namespace's registration,
// then closes the connection. Safe to call more than once.
func (c *Client) Unregister() error {
	_, err := c.roundTrip(Frame{Op: OpUnregister})
	c.Close()
	return err
}

// Close stops the drain goroutine (async mode) and closes the socket.
func (c *Client) Close() {
	if c.mode == ModeAsync {
		c.stopOnce.Do(func() { close(c.stopCh) })
	}
	c.closeConn()
}

