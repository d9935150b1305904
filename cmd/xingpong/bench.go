package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq"
	"github.com/slackhq/zhpeq/wire"
)

const maxParamLen = 256

// finish makes sure neither side tears down its queue while the other
// still waits on completions.
func (s *stuff) finish() error {
	if err := sendMsg(s.conn, &serverMsg{}); err != nil {
		return err
	}
	return recvMsg(s.conn, &serverMsg{})
}

// runServer accepts one benchmark connection at a time until a client asks
// for a single run or the listener fails.
func runServer(ctx context.Context, l *logrus.Logger, lib *zhpeq.Lib, a *args, ln net.Listener, out io.Writer) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		l.WithField("remote", conn.RemoteAddr()).Debug("Accepted benchmark client")
		once, err := serveOne(lib, a, conn, out)
		if err != nil {
			return err
		}
		if once {
			return nil
		}
	}
}

// serveOne runs the server side of one connection with the parameters the
// client sends.
func serveOne(lib *zhpeq.Lib, oargs *args, conn net.Conn, out io.Writer) (bool, error) {
	a := *oargs
	s := &stuff{args: &a, lib: lib, conn: conn, out: out}
	defer s.close()

	var msg clientMsg
	if err := recvMsg(conn, &msg); err != nil {
		return false, fmt.Errorf("receive client parameters: %w", err)
	}
	var err error
	if a.params.ProviderName, err = wire.RecvString(conn, maxParamLen); err != nil {
		return false, err
	}
	if a.params.DomainName, err = wire.RecvString(conn, maxParamLen); err != nil {
		return false, err
	}
	a.entryLen = msg.EntryLen
	a.entries = msg.Entries
	a.txAvail = msg.TxAvail
	a.aligned = msg.Aligned
	a.copyMode = msg.Copy
	a.once = msg.Once
	a.unidir = msg.Unidir

	if err := sendMsg(conn, &serverMsg{}); err != nil {
		return false, err
	}
	if err := s.setup(); err != nil {
		return false, err
	}

	if a.unidir {
		err = s.serverSink()
	} else {
		err = s.serverPong()
	}
	if err != nil {
		return false, err
	}
	return a.once, s.finish()
}

// runClient connects to the server and drives one benchmark run.
func runClient(ctx context.Context, lib *zhpeq.Lib, a *args, out io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.node, a.service))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s := &stuff{args: a, lib: lib, conn: conn, out: out, ringOps: a.ops}
	defer s.close()

	msg := clientMsg{
		EntryLen: a.entryLen,
		Entries:  a.entries,
		TxAvail:  a.txAvail,
		Aligned:  a.aligned,
		Copy:     a.copyMode,
		Once:     a.once,
		Unidir:   a.unidir,
	}
	if err := sendMsg(conn, &msg); err != nil {
		return err
	}
	if err := wire.SendString(conn, a.params.ProviderName); err != nil {
		return err
	}
	if err := wire.SendString(conn, a.params.DomainName); err != nil {
		return err
	}
	if err := recvMsg(conn, &serverMsg{}); err != nil {
		return fmt.Errorf("receive server reply: %w", err)
	}
	if err := s.setup(); err != nil {
		return err
	}

	if a.seconds {
		s.ringWarmup = uint64(time.Second)
		s.ringOps = s.ringOps*uint64(time.Second) + s.ringWarmup
	} else {
		s.ringWarmup = max(s.ringOps/10, a.entries, warmupMin)
		s.ringOps += s.ringWarmup
	}

	if a.unidir {
		err = s.clientUnidir()
	} else {
		err = s.clientPong()
	}
	if err != nil {
		return err
	}
	return s.finish()
}
