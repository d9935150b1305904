package zhpeq

import (
	"fmt"
)

// BackendParams optionally narrows down how a domain is created.
type BackendParams struct {
	// Backend must match the backend the device selected.
	Backend uint32
	// ProviderName and DomainName select the transport provider and its
	// domain for software backends. Empty means the backend default.
	ProviderName string
	DomainName   string
}

// Domain is a protection and resource context. Queues and registered
// memory belong to a domain, which must outlive them.
type Domain struct {
	lib    *Lib
	params BackendParams

	// Private belongs to the backend.
	Private any
}

// DomainAlloc creates a domain. params may be nil.
func (lib *Lib) DomainAlloc(params *BackendParams) (*Domain, error) {
	if lib == nil {
		return nil, ErrInvalidArgument
	}
	backend := lib.sd.Attr.Backend
	if params != nil && !expectedSaw(lib.l, "params.backend", uint64(backend), uint64(params.Backend)) {
		return nil, fmt.Errorf("%w: device selected %s, params ask for %s",
			ErrMismatch, BackendName(backend), BackendName(params.Backend))
	}

	d := &Domain{lib: lib}
	if params != nil {
		d.params = *params
	} else {
		d.params.Backend = backend
	}

	if err := lib.backend.DomainAlloc(d); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("allocate domain: %w", err)
	}
	return d, nil
}

// Close releases the backend state of the domain. Closing a nil domain is
// a no-op.
func (d *Domain) Close() error {
	if d == nil {
		return nil
	}
	if d.lib == nil {
		return nil
	}
	err := d.lib.backend.DomainFree(d)
	d.lib = nil
	d.Private = nil
	return err
}

func (d *Domain) Lib() *Lib {
	return d.lib
}

// Params returns the parameters the domain was created with.
func (d *Domain) Params() BackendParams {
	return d.params
}
