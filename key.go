package zhpeq

import (
	"fmt"
	"unsafe"
)

// Access flags for [Domain.Register].
const (
	MRGet       uint32 = 1 << 0
	MRPut       uint32 = 1 << 1
	MRGetRemote uint32 = 1 << 2
	MRPutRemote uint32 = 1 << 3
	// MRKeyValid makes Register use the requested key instead of one chosen
	// by the backend.
	MRKeyValid uint32 = 1 << 8
)

// KeyData describes a registered region, either local or imported from a
// peer.
type KeyData struct {
	Key    uint64
	Access uint32
	// VAddr is the address of the region in the process that registered it.
	VAddr uint64
	Len   uint64
	// ZAddr is the token that addresses the first byte of the region.
	ZAddr uint64
	// Imported is set for keys returned by Import.
	Imported bool

	// Private belongs to the backend.
	Private any
}

// Register makes buf addressable by entries according to access. When
// access contains [MRKeyValid] the key is set to requestedKey.
func (d *Domain) Register(buf []byte, access uint32, requestedKey uint64) (*KeyData, error) {
	if d == nil || d.lib == nil || len(buf) == 0 {
		return nil, ErrInvalidArgument
	}
	k, err := d.lib.backend.Register(d, buf, access)
	if err != nil {
		return nil, err
	}
	if access&MRKeyValid != 0 {
		k.Key = requestedKey
	}
	return k, nil
}

// Deregister releases a key from Register. A nil key is a no-op.
func (d *Domain) Deregister(k *KeyData) error {
	if k == nil {
		return nil
	}
	if d == nil || d.lib == nil {
		return ErrInvalidArgument
	}
	return d.lib.backend.Deregister(d, k)
}

func (k *KeyData) contains(vaddr, length uint64) bool {
	return vaddr >= k.VAddr && length <= k.Len && vaddr-k.VAddr <= k.Len-length
}

// LocalAddress returns the token for buf[offset:], which must lie inside
// the registered region.
func (k *KeyData) LocalAddress(buf []byte, offset uint64) (uint64, error) {
	if k == nil || k.Imported || len(buf) == 0 || offset > uint64(len(buf)) {
		return 0, ErrInvalidArgument
	}
	vaddr := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	length := uint64(len(buf))
	if !k.contains(vaddr, length) {
		return 0, fmt.Errorf("%w: buffer 0x%x+%d outside key region 0x%x+%d",
			ErrInvalidArgument, vaddr, length, k.VAddr, k.Len)
	}
	return k.ZAddr + (vaddr - k.VAddr) + offset, nil
}

// RemoteAddress returns the token for the peer address vaddr plus offset.
// The range [vaddr, vaddr+length) must lie inside the imported region.
func (k *KeyData) RemoteAddress(vaddr, length, offset uint64) (uint64, error) {
	if k == nil || !k.Imported || offset > length {
		return 0, ErrInvalidArgument
	}
	if !k.contains(vaddr, length) {
		return 0, fmt.Errorf("%w: range 0x%x+%d outside key region 0x%x+%d",
			ErrInvalidArgument, vaddr, length, k.VAddr, k.Len)
	}
	return k.ZAddr + (vaddr - k.VAddr) + offset, nil
}

// Export serializes a local key so a peer can Import it.
func (q *Queue) Export(k *KeyData) ([]byte, error) {
	if q == nil || k == nil || k.Imported {
		return nil, ErrInvalidArgument
	}
	return q.lib.backend.Export(q, k)
}

// Import turns a blob from a peer's Export into a key usable with
// RemoteAddress. openIdx names the peer as returned by Open.
func (q *Queue) Import(openIdx int, blob []byte) (*KeyData, error) {
	if q == nil || blob == nil {
		return nil, ErrInvalidArgument
	}
	k, err := q.lib.backend.Import(q, openIdx, blob)
	if err != nil {
		return nil, err
	}
	k.Imported = true
	return k, nil
}

// FreeImported releases a key from Import. A nil key is a no-op.
func (q *Queue) FreeImported(k *KeyData) error {
	if k == nil {
		return nil
	}
	if q == nil || !k.Imported {
		return ErrInvalidArgument
	}
	return q.lib.backend.FreeImported(q, k)
}
