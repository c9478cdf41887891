package usbip

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/internal/ratelog"
)

const (
	// defaultPort is the USB/IP server's default TCP port.
	defaultPort = 3240

	readBufSize = 4096
)

// These are package-level vars, not consts, so tests can shrink them
// rather than waiting out the real timeouts.
var (
	// pollInterval bounds how long the client waits before retrying a
	// reconnect or re-issuing a device-list request.
	pollInterval = 3 * time.Second

	// disconnectClearAfter is how long the client tolerates failed
	// reconnects before clearing the published device list.
	disconnectClearAfter = 10 * time.Second

	dialTimeout = 3 * time.Second
)

// Config is the USB/IP client's own configuration: Address is
// host[:port], defaulting the port to 3240 if omitted.
type Config struct {
	Address string
}

// Client polls one USB/IP server for its exported device list over a
// single reconnecting TCP connection.
type Client struct {
	host string
	port int

	errLog *ratelog.Logger

	devMu   sync.Mutex
	devices []Device

	wakeCh chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New parses cfg.Address and returns a Client ready to Start.
func New(cfg Config) (*Client, error) {
	host, port, err := splitAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	return &Client{
		host:   host,
		port:   port,
		errLog: ratelog.New("usbip: ", rate.Every(time.Second), 1),
		wakeCh: make(chan struct{}, 1),
	}, nil
}

func splitAddress(addr string) (string, int, error) {
	if addr == "" {
		return "", 0, fmt.Errorf("usbip: empty address")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port present; the whole string is the host.
		return addr, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("usbip: invalid port in address %q", addr)
	}
	return host, port, nil
}

// Start launches the client's background connect/poll loop. It is a
// no-op if already running, matching ohci/ehci's frame-clock start/stop
// idiom.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)
}

// Stop halts the background loop and closes any open connection.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Wakeup unblocks the poll loop immediately.
func (c *Client) Wakeup() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Devices returns a deep copy of the most recently published device
// list.
func (c *Client) Devices() []Device {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	return cloneDevices(c.devices)
}

func (c *Client) publish(devices []Device) {
	c.devMu.Lock()
	c.devices = devices
	c.devMu.Unlock()
}

func (c *Client) clearDevices() {
	c.devMu.Lock()
	if c.devices != nil {
		c.devices = nil
	}
	c.devMu.Unlock()
}

// conn bundles one TCP connection generation with its reader goroutine's
// channels, so closing it can never leak that goroutine (see readLoop).
type conn struct {
	nc   net.Conn
	dec  *decoder
	data chan []byte
	err  chan error
	done chan struct{}
}

func (c *Client) dial() *conn {
	nc, dialErr := net.DialTimeout("tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)), dialTimeout)
	if dialErr != nil {
		c.errLog.Printf("connect to %s:%d failed: %v", c.host, c.port, dialErr)
		return nil
	}

	cn := &conn{
		nc:   nc,
		dec:  newDecoder(c.host, c.port),
		data: make(chan []byte),
		err:  make(chan error, 1),
		done: make(chan struct{}),
	}
	go readLoop(nc, cn.data, cn.err, cn.done)
	return cn
}

func (cn *conn) close() {
	if cn == nil {
		return
	}
	cn.nc.Close()
	close(cn.done)
}

func (cn *conn) sendDevListRequest() error {
	cn.dec.startRequest()
	req := reqDevList{Version: protocolVersion, Cmd: cmdReqDevList, Status: statusSuccess}
	_, err := cn.nc.Write(req.marshal())
	return err
}

// readLoop feeds bytes read off nc to data until nc errors (including
// EOF from the peer closing after a reply, or the local close forced by
// cn.close()). It never blocks past done closing, so a stale connection
// generation can never leak.
func readLoop(nc net.Conn, data chan<- []byte, errc chan<- error, done <-chan struct{}) {
	buf := make([]byte, readBufSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case data <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case errc <- err:
			case <-done:
			}
			return
		}
	}
}

// run is the client's main loop: reconnect-and-request on one side,
// draining the active connection's reader on the other, via a channel
// select over the connection, the wakeup channel, and the poll timer.
func (c *Client) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	var cn *conn
	var lastSuccess time.Time

	disconnect := func() {
		if cn != nil {
			cn.close()
			cn = nil
		}
	}
	defer disconnect()

	reconnect := func() {
		disconnect()
		cn = c.dial()
		if cn == nil {
			if !lastSuccess.IsZero() && time.Since(lastSuccess) > disconnectClearAfter {
				c.clearDevices()
			}
			return
		}
		lastSuccess = time.Now()
		if err := cn.sendDevListRequest(); err != nil {
			c.errLog.Printf("sending REQ_DEVLIST failed: %v", err)
			disconnect()
		}
	}

	reconnect()

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return

		case <-c.wakeCh:
			if cn == nil {
				reconnect()
			}

		case chunk := <-notNilChan(cn):
			ready, devices, err := cn.dec.feed(chunk)
			if err != nil {
				c.errLog.Printf("%v", err)
				disconnect()
			} else if ready {
				c.publish(devices)
				// The server closes the connection after replying;
				// drop it here, and the next poll tick reconnects and
				// issues a fresh request.
				disconnect()
			}

		case err := <-notNilErrChan(cn):
			c.errLog.Printf("connection lost: %v", err)
			disconnect()

		case <-timer.C:
			if cn == nil {
				reconnect()
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pollInterval)
	}
}

// notNilChan returns cn's data channel, or a nil channel (which blocks
// forever in a select) when there is no active connection.
func notNilChan(cn *conn) chan []byte {
	if cn == nil {
		return nil
	}
	return cn.data
}

func notNilErrChan(cn *conn) chan error {
	if cn == nil {
		return nil
	}
	return cn.err
}
