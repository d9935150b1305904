// Package fabric is a software backend for zhpeq. It executes work entries
// on the CPU and reaches peer queues over TCP, so the queue engine can be
// used without fabric hardware.
//
// Importing the package registers it for [zhpeq.BackendLibfabric].
package fabric

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq"
)

func init() {
	if err := zhpeq.RegisterBackend(zhpeq.BackendLibfabric, &Backend{}); err != nil {
		panic(err)
	}
}

var errNoPeer = errors.New("no such peer")

// Backend implements [zhpeq.Backend], [zhpeq.Doorbell],
// [zhpeq.ActivePoller] and [zhpeq.DiagnosticsPrinter]. It keeps no state of
// its own, everything lives in the Private fields of the engine objects.
type Backend struct{}

func (b *Backend) LibInit(lib *zhpeq.Lib) error {
	lib.Logger().WithField("backend", "fabric").Debug("Software fabric backend selected")
	return nil
}

func (b *Backend) DomainAlloc(d *zhpeq.Domain) error {
	d.Private = newDomain()
	return nil
}

func (b *Backend) DomainFree(d *zhpeq.Domain) error {
	dom, ok := d.Private.(*domain)
	if !ok {
		return nil
	}
	if n := dom.count(); n > 0 {
		d.Lib().Logger().WithField("regions", n).Warn("Domain freed with registered memory")
	}
	d.Private = nil
	return nil
}

func (b *Backend) QueueAlloc(q *zhpeq.Queue) error {
	dom, ok := q.Domain().Private.(*domain)
	if !ok {
		return zhpeq.ErrInvalidArgument
	}
	l := q.Domain().Lib().Logger().WithFields(logrus.Fields{"backend": "fabric", "qlen": q.Len()})
	fq, err := newQueue(l, q, dom)
	if err != nil {
		return err
	}
	q.Private = fq
	return nil
}

func (b *Backend) QueueFree(q *zhpeq.Queue) error {
	fq, ok := q.Private.(*queue)
	if !ok {
		return nil
	}
	q.Private = nil
	return fq.close()
}

func (b *Backend) SignalDoorbell(q *zhpeq.Queue) error {
	return q.Private.(*queue).ring()
}

func (b *Backend) ActivePoll(q *zhpeq.Queue, _ int) error {
	q.Private.(*queue).drain()
	return nil
}

// Open connects q to a peer. A nil conn opens a loopback peer that targets
// memory registered with the domain of q itself. Otherwise the endpoint
// addresses are swapped over conn, which the peer must pass to its own
// Open at the same time, and a connection to the peer endpoint is dialed.
func (b *Backend) Open(q *zhpeq.Queue, conn net.Conn) (int, error) {
	fq := q.Private.(*queue)
	if conn == nil {
		idx := fq.addPeer(&loopback{dom: fq.dom})
		fq.l.WithField("peer", idx).Debug("Loopback peer opened")
		return idx, nil
	}

	ep, err := fq.endpoint(q, conn)
	if err != nil {
		return -1, err
	}

	peerID, peerAddr, err := exchange(conn, ep.id, ep.addr())
	if err != nil {
		return -1, err
	}

	pc, err := net.Dial("tcp", peerAddr)
	if err != nil {
		return -1, fmt.Errorf("connect to peer endpoint %s: %w", peerAddr, err)
	}

	r := &remote{id: peerID, addr: peerAddr, conn: pc}
	r.l = fq.l.WithField("peer", r.String())
	idx := fq.addPeer(r)
	r.l.WithField("index", idx).Debug("Peer opened")
	return idx, nil
}

// endpoint returns the listener of fq, creating it on the local address of
// conn the first time.
func (fq *queue) endpoint(q *zhpeq.Queue, conn net.Conn) (*endpoint, error) {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	if fq.mu.ep != nil {
		return fq.mu.ep, nil
	}

	ip := net.IPv4(127, 0, 0, 1)
	if a, ok := conn.LocalAddr().(*net.TCPAddr); ok && a.IP != nil {
		ip = a.IP
	}

	limit := q.Domain().Lib().Attributes().MaxDMALen
	if limit > maxFrameLen {
		limit = maxFrameLen
	}
	ep, err := listen(fq.l, fq.dom, ip, uint32(limit))
	if err != nil {
		return nil, err
	}
	fq.mu.ep = ep
	return ep, nil
}

// maxFrameLen bounds the payload a peer may send in one frame.
const maxFrameLen = 1 << 30

func (b *Backend) Close(q *zhpeq.Queue, openIdx int) error {
	t, ok := q.Private.(*queue).removePeer(openIdx)
	if !ok {
		return fmt.Errorf("%w: %w %d", zhpeq.ErrInvalidArgument, errNoPeer, openIdx)
	}
	return t.close()
}

func (b *Backend) Register(d *zhpeq.Domain, buf []byte, access uint32) (*zhpeq.KeyData, error) {
	dom, ok := d.Private.(*domain)
	if !ok {
		return nil, zhpeq.ErrInvalidArgument
	}
	if uint64(len(buf)) > maxRegionLen {
		return nil, fmt.Errorf("%w: region of %d bytes is too large", zhpeq.ErrInvalidArgument, len(buf))
	}
	r, err := dom.register(buf, access)
	if err != nil {
		return nil, err
	}
	return r.key, nil
}

func (b *Backend) Deregister(d *zhpeq.Domain, k *zhpeq.KeyData) error {
	dom, ok := d.Private.(*domain)
	r, rok := k.Private.(*region)
	if !ok || !rok || !dom.deregister(r.id) {
		return zhpeq.ErrInvalidArgument
	}
	k.Private = nil
	return nil
}

func (b *Backend) Export(q *zhpeq.Queue, k *zhpeq.KeyData) ([]byte, error) {
	r, ok := k.Private.(*region)
	if !ok {
		return nil, zhpeq.ErrInvalidArgument
	}
	blob := keyBlob{
		Version: blobVersion,
		Access:  k.Access,
		Key:     k.Key,
		VAddr:   k.VAddr,
		Len:     k.Len,
		Region:  r.id,
	}
	return blob.marshal(), nil
}

func (b *Backend) Import(q *zhpeq.Queue, openIdx int, blob []byte) (*zhpeq.KeyData, error) {
	fq := q.Private.(*queue)
	if !fq.hasPeer(openIdx) {
		return nil, fmt.Errorf("%w: %w %d", zhpeq.ErrInvalidArgument, errNoPeer, openIdx)
	}
	kb, err := unmarshalKeyBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", zhpeq.ErrInvalidArgument, err)
	}
	if kb.Len > maxRegionLen {
		return nil, fmt.Errorf("%w: imported region of %d bytes is too large", zhpeq.ErrInvalidArgument, kb.Len)
	}

	imp := &imported{peer: openIdx, region: kb.Region, key: kb.Key, access: kb.Access}
	idx, err := fq.addImport(imp)
	if err != nil {
		return nil, err
	}
	return &zhpeq.KeyData{
		Key:     kb.Key,
		Access:  kb.Access,
		VAddr:   kb.VAddr,
		Len:     kb.Len,
		ZAddr:   importToken(idx),
		Private: imp,
	}, nil
}

func (b *Backend) FreeImported(q *zhpeq.Queue, k *zhpeq.KeyData) error {
	imp, ok := k.Private.(*imported)
	if !ok || !q.Private.(*queue).removeImport(imp) {
		return zhpeq.ErrInvalidArgument
	}
	k.Private = nil
	return nil
}

func (b *Backend) PrintDiagnostics(w io.Writer, q *zhpeq.Queue) {
	if q == nil {
		return
	}
	fq, ok := q.Private.(*queue)
	if !ok {
		return
	}

	fq.mu.Lock()
	local := "none"
	if fq.mu.ep != nil {
		local = fmt.Sprintf("%s (%s)", fq.mu.ep.addr(), fq.mu.ep.id)
	}
	var peers []string
	for i, p := range fq.mu.peers {
		if p != nil {
			peers = append(peers, fmt.Sprintf("%d=%s", i, p))
		}
	}
	imports := 0
	for _, imp := range fq.mu.imports {
		if imp != nil {
			imports++
		}
	}
	fq.mu.Unlock()

	fmt.Fprintf(w, "fabric:diagnostics\n"+
		"endpoint : %s\n"+
		"peers    : %v\n"+
		"regions  : %d\n"+
		"imports  : %d\n",
		local, peers, fq.dom.count(), imports)
}
