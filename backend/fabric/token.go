package fabric

// Tokens address registered memory inside work entries. The low 40 bits are
// the byte offset into a region. Local tokens carry the region id above
// that, imported tokens set the top bit and carry the import index instead.
const (
	tokenShift  = 40
	tokenRemote = uint64(1) << 63
	offsetMask  = uint64(1)<<tokenShift - 1
	indexMask   = uint64(1)<<(63-tokenShift) - 1

	// maxRegionLen keeps every offset inside a region representable.
	maxRegionLen = uint64(1) << tokenShift
)

func localToken(region uint64) uint64 {
	return region << tokenShift
}

func importToken(idx int) uint64 {
	return tokenRemote | uint64(idx)<<tokenShift
}

// splitToken returns whether tok names an imported region, the region id or
// import index and the offset.
func splitToken(tok uint64) (remote bool, id uint64, off uint64) {
	return tok&tokenRemote != 0, (tok >> tokenShift) & indexMask, tok & offsetMask
}
