package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"net"

	"github.com/slackhq/zhpeq"
	"github.com/slackhq/zhpeq/wire"
)

const (
	warmupMin      = 1024
	rxWindow       = 64
	txWindow       = 64
	cacheLine      = 64
	defaultTxAvail = 1023
)

// Values of the flag byte at the start of every ring entry.
const (
	txNone uint8 = iota
	txWarmup
	txRunning
	txLast
)

// clientMsg carries the ring parameters from the client to the server.
type clientMsg struct {
	EntryLen uint64
	Entries  uint64
	TxAvail  uint64
	Aligned  bool
	Copy     bool
	Once     bool
	Unidir   bool
}

// serverMsg only orders the setup of both sides.
type serverMsg struct {
	Dummy int32
}

// stuff is one side of a benchmark connection.
type stuff struct {
	args *args
	lib  *zhpeq.Lib
	conn net.Conn
	out  io.Writer

	dom       *zhpeq.Domain
	q         *zhpeq.Queue
	openIdx   int
	localKey  *zhpeq.KeyData
	remoteKey *zhpeq.KeyData

	localTx  uint64
	remoteRx uint64

	mem        []byte
	tx         []byte
	rx         []byte
	timestamps []int64
	rxData     []byte
	rxOrder    []int

	entryAligned uint64
	ringEnd      uint64
	ringOps      uint64
	ringWarmup   uint64
	txAvail      uint64
}

func (s *stuff) close() {
	if s.q != nil {
		_ = s.q.FreeImported(s.remoteKey)
		_ = s.dom.Deregister(s.localKey)
		_ = s.q.Close()
	}
	_ = s.dom.Close()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// nextOff advances a ring offset by one entry.
func (s *stuff) nextOff(cur uint64) uint64 {
	cur += s.entryAligned
	if cur >= s.ringEnd {
		cur = 0
	}
	return cur
}

func sendMsg(c net.Conn, m any) error {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.BigEndian, m); err != nil {
		return err
	}
	return wire.SendBlob(c, b.Bytes())
}

func recvMsg(c net.Conn, m any) error {
	b := make([]byte, binary.Size(m))
	if err := wire.RecvFixedBlob(c, b); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(b), binary.BigEndian, m)
}

// setup allocates the domain and queue, opens the peer over the control
// connection, registers the rings and exchanges keys.
func (s *stuff) setup() (err error) {
	a := s.args
	attr := s.lib.Attributes()

	s.txAvail = a.txAvail
	if s.txAvail == 0 {
		s.txAvail = defaultTxAvail
	}
	if s.txAvail >= uint64(attr.MaxHWQLen) {
		return fmt.Errorf("%w: tx queue length %d exceeds %d", zhpeq.ErrInvalidArgument, s.txAvail, attr.MaxHWQLen-1)
	}

	if s.dom, err = s.lib.DomainAlloc(&a.params); err != nil {
		return err
	}
	if s.q, err = s.dom.QueueAlloc(int(s.txAvail + 1)); err != nil {
		return err
	}
	if s.openIdx, err = s.q.Open(s.conn); err != nil {
		return fmt.Errorf("open peer: %w", err)
	}
	if err = s.memSetup(); err != nil {
		return err
	}
	return s.memExchange()
}

func (s *stuff) memSetup() (err error) {
	a := s.args
	s.entryAligned = a.entryLen
	if a.aligned {
		s.entryAligned = (a.entryLen + cacheLine - 1) &^ (cacheLine - 1)
	}
	if a.entryLen > s.lib.Attributes().MaxDMALen {
		return fmt.Errorf("%w: entry length %d exceeds max DMA length %d",
			zhpeq.ErrInvalidArgument, a.entryLen, s.lib.Attributes().MaxDMALen)
	}

	// Transmit ring, then receive ring.
	s.ringEnd = s.entryAligned * a.entries
	s.mem = make([]byte, 2*s.ringEnd)
	s.tx = s.mem[:s.ringEnd]
	s.rx = s.mem[s.ringEnd:]

	const access = zhpeq.MRGet | zhpeq.MRPut | zhpeq.MRGetRemote | zhpeq.MRPutRemote | zhpeq.MRKeyValid
	if s.localKey, err = s.dom.Register(s.mem, access, 0); err != nil {
		return fmt.Errorf("register rings: %w", err)
	}
	if s.localTx, err = s.localKey.LocalAddress(s.mem, 0); err != nil {
		return err
	}

	s.timestamps = make([]int64, a.entries)

	if a.copyMode {
		s.rxData = make([]byte, a.entryLen*a.entries)
		s.rxOrder = rand.Perm(int(a.entries))
	}
	return nil
}

func (s *stuff) memExchange() error {
	blob, err := s.q.Export(s.localKey)
	if err != nil {
		return fmt.Errorf("export key: %w", err)
	}

	if err := wire.SendUint64(s.conn, s.localKey.VAddr+s.ringEnd); err != nil {
		return err
	}
	if err := wire.SendBlob(s.conn, blob); err != nil {
		return err
	}
	remoteRx, err := wire.RecvUint64(s.conn)
	if err != nil {
		return err
	}
	if err := wire.RecvFixedBlob(s.conn, blob); err != nil {
		return err
	}

	if s.remoteKey, err = s.q.Import(s.openIdx, blob); err != nil {
		return fmt.Errorf("import key: %w", err)
	}
	s.remoteRx, err = s.remoteKey.RemoteAddress(remoteRx, s.ringEnd, 0)
	return err
}

// write puts length bytes from the local token to the remote token.
func (s *stuff) write(lcl, length, rem uint64) error {
	idx, err := s.q.Reserve(1)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if err := s.q.Put(idx, false, lcl, length, rem, 1); err != nil {
		return fmt.Errorf("format put: %w", err)
	}
	return s.q.Commit(idx, 1)
}

// completions drains the completion ring and returns how many entries
// finished. Any failed entry is an error.
func (s *stuff) completions(out []zhpeq.Completion) (uint64, error) {
	n, err := s.q.Poll(out)
	if err != nil {
		return 0, err
	}
	for i := range n {
		if err := out[i].Err(); err != nil {
			return 0, fmt.Errorf("I/O error: %w", err)
		}
	}
	return uint64(n), nil
}
