package fabric

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq/hw"
	"github.com/slackhq/zhpeq/wire"
	"golang.org/x/sync/errgroup"
)

// target executes the remote half of an entry.
type target interface {
	put(id, key, off uint64, data []byte) uint8
	get(id, key, off uint64, dst []byte) uint8
	atomic(id, key, off uint64, req *atomicRequest) (uint64, uint8)
	close() error
	String() string
}

// loopback targets the domain of the queue that opened it.
type loopback struct {
	dom *domain
}

func (lb *loopback) put(id, key, off uint64, data []byte) uint8 {
	return lb.dom.put(id, key, off, data)
}

func (lb *loopback) get(id, key, off uint64, dst []byte) uint8 {
	return lb.dom.get(id, key, off, dst)
}

func (lb *loopback) atomic(id, key, off uint64, req *atomicRequest) (uint64, uint8) {
	return lb.dom.atomic(id, key, off, req)
}

func (lb *loopback) close() error   { return nil }
func (lb *loopback) String() string { return "loopback" }

// remote is a connection to the endpoint of a peer queue. Requests are sent
// one at a time and wait for their response.
type remote struct {
	l    *logrus.Entry
	id   uuid.UUID
	addr string

	mu     sync.Mutex
	conn   net.Conn
	tag    uint32
	broken bool
}

func (r *remote) String() string {
	return fmt.Sprintf("%s@%s", r.id, r.addr)
}

func (r *remote) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		return nil
	}
	r.broken = true
	return r.conn.Close()
}

// roundTrip sends a request and returns the response status and payload.
// Transport failures break the connection for good.
func (r *remote) roundTrip(h frameHeader, payload []byte, limit uint32) (uint8, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		return hw.CQStatusTransport, nil
	}

	r.tag++
	h.Tag = r.tag
	err := writeFrame(r.conn, &h, payload)
	var (
		rsp  frameHeader
		data []byte
	)
	if err == nil {
		rsp, data, err = readFrame(r.conn, limit)
	}
	if err == nil && (rsp.Type != frameResponse || rsp.Tag != h.Tag) {
		err = fmt.Errorf("%w: response type %d tag %d for request tag %d", errFrame, rsp.Type, rsp.Tag, h.Tag)
	}
	if err != nil {
		r.l.WithError(err).Warn("Peer connection failed")
		r.broken = true
		_ = r.conn.Close()
		return hw.CQStatusTransport, nil
	}
	return rsp.Status, data
}

func (r *remote) put(id, key, off uint64, data []byte) uint8 {
	status, _ := r.roundTrip(frameHeader{Type: framePut, Key: key, Region: id, Offset: off}, data, 0)
	return status
}

func (r *remote) get(id, key, off uint64, dst []byte) uint8 {
	h := frameHeader{Type: frameGet, Key: key, Region: id, Offset: off, Want: uint32(len(dst))}
	status, data := r.roundTrip(h, nil, uint32(len(dst)))
	if status == hw.CQStatusSuccess {
		if len(data) != len(dst) {
			return hw.CQStatusTransport
		}
		copy(dst, data)
	}
	return status
}

func (r *remote) atomic(id, key, off uint64, req *atomicRequest) (uint64, uint8) {
	payload := make([]byte, atomicRequestLen)
	if _, err := binary.Encode(payload, binary.BigEndian, req); err != nil {
		return 0, hw.CQStatusTransport
	}
	status, data := r.roundTrip(frameHeader{Type: frameAtomic, Key: key, Region: id, Offset: off}, payload, 8)
	if status != hw.CQStatusSuccess {
		return 0, status
	}
	if len(data) != 8 {
		return 0, hw.CQStatusTransport
	}
	return binary.BigEndian.Uint64(data), status
}

// endpoint accepts connections from peer queues and serves their requests
// against the memory registered with the domain.
type endpoint struct {
	l        *logrus.Entry
	id       uuid.UUID
	dom      *domain
	limit    uint32
	listener net.Listener
	eg       *errgroup.Group
	cancel   context.CancelFunc

	mu struct {
		sync.Mutex
		conns map[net.Conn]struct{}
	}
}

func listen(l *logrus.Entry, dom *domain, ip net.IP, limit uint32) (*endpoint, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip})
	if err != nil {
		return nil, fmt.Errorf("listen for peers: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	id := uuid.New()
	ep := &endpoint{
		l:        l.WithFields(logrus.Fields{"endpoint": id, "addr": ln.Addr()}),
		id:       id,
		dom:      dom,
		limit:    limit,
		listener: ln,
		eg:       eg,
		cancel:   cancel,
	}
	ep.mu.conns = make(map[net.Conn]struct{})

	eg.Go(func() error {
		<-ctx.Done()
		return ep.listener.Close()
	})
	eg.Go(ep.accept)

	ep.l.Debug("Endpoint listening")
	return ep, nil
}

func (ep *endpoint) addr() string {
	return ep.listener.Addr().String()
}

func (ep *endpoint) accept() error {
	for {
		conn, err := ep.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		ep.mu.Lock()
		ep.mu.conns[conn] = struct{}{}
		ep.mu.Unlock()

		ep.eg.Go(func() error {
			defer func() {
				ep.mu.Lock()
				delete(ep.mu.conns, conn)
				ep.mu.Unlock()
				_ = conn.Close()
			}()
			if err := ep.serve(conn); err != nil {
				ep.l.WithError(err).WithField("peer", conn.RemoteAddr()).Debug("Peer connection closed")
			}
			return nil
		})
	}
}

func (ep *endpoint) serve(conn net.Conn) error {
	for {
		h, payload, err := readFrame(conn, ep.limit)
		if err != nil {
			return err
		}

		rsp := frameHeader{Type: frameResponse, Tag: h.Tag}
		var data []byte
		switch h.Type {
		case framePut:
			rsp.Status = ep.dom.put(h.Region, h.Key, h.Offset, payload)
		case frameGet:
			if h.Want > ep.limit {
				rsp.Status = hw.CQStatusRange
				break
			}
			data = make([]byte, h.Want)
			rsp.Status = ep.dom.get(h.Region, h.Key, h.Offset, data)
		case frameAtomic:
			var req atomicRequest
			if _, err := binary.Decode(payload, binary.BigEndian, &req); err != nil {
				return fmt.Errorf("%w: atomic request: %w", errFrame, err)
			}
			old, status := ep.dom.atomic(h.Region, h.Key, h.Offset, &req)
			rsp.Status = status
			if status == hw.CQStatusSuccess {
				data = binary.BigEndian.AppendUint64(nil, old)
			}
		default:
			return fmt.Errorf("%w: unexpected type %d", errFrame, h.Type)
		}
		if rsp.Status != hw.CQStatusSuccess {
			data = nil
		}

		if err := writeFrame(conn, &rsp, data); err != nil {
			return err
		}
	}
}

// close stops accepting, drops every served connection and waits for the
// goroutines to finish.
func (ep *endpoint) close() error {
	ep.cancel()
	ep.mu.Lock()
	for conn := range ep.mu.conns {
		_ = conn.Close()
	}
	ep.mu.Unlock()
	return ep.eg.Wait()
}

const maxExchangeLen = 256

// exchange swaps endpoint identity and address with the peer on conn. Both
// sides send before they receive, so sending runs concurrently.
func exchange(conn net.Conn, id uuid.UUID, addr string) (uuid.UUID, string, error) {
	var eg errgroup.Group
	eg.Go(func() error {
		var b bytes.Buffer
		if err := wire.SendString(&b, id.String()); err != nil {
			return err
		}
		if err := wire.SendString(&b, addr); err != nil {
			return err
		}
		_, err := conn.Write(b.Bytes())
		return err
	})

	peerID, err := wire.RecvString(conn, maxExchangeLen)
	var peerAddr string
	if err == nil {
		peerAddr, err = wire.RecvString(conn, maxExchangeLen)
	}
	if err != nil {
		// Unblock the sender if the peer stopped reading.
		_ = conn.SetWriteDeadline(time.Now())
	}
	if werr := eg.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("address exchange: %w", err)
	}

	uid, err := uuid.Parse(peerID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("address exchange: peer id: %w", err)
	}
	return uid, peerAddr, nil
}
