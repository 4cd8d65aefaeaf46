package commission

import (
	"net/netip"
	"time"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/discovery"
)

// Outcome is the result of one device's sequence
type Outcome struct {
	Device *discovery.Device

	// Previous is the address the device was discovered at
	Previous netip.Addr
	// Assigned is the allocated address; zero when allocation failed
	Assigned netip.Addr
	// AddressAccepted is false when the device kept Previous
	AddressAccepted bool

	KeySet     bool
	ResetAcked bool
	Alive      bool

	Descriptor *Descriptor
	DeviceType *DeviceType

	// FailedStep and Err are set when the sequence stopped early
	FailedStep Step
	Err        error

	// Warnings collects non-fatal problems
	Warnings []string

	Duration time.Duration
}

// Succeeded reports whether the device finished commissioning
func (o *Outcome) Succeeded() bool {
	return o.Err == nil && o.Alive
}

// Report is the result of a run
type Report struct {
	RunID      string
	ProjectKey *cipherkey.Key
	Started    time.Time
	Finished   time.Time
	Outcomes   []*Outcome
}

// Succeeded returns the number of commissioned devices
func (r *Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			n++
		}
	}
	return n
}

// Failed returns the number of devices that did not finish
func (r *Report) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// KeysHandedOver returns the number of devices that accepted the project
// key, whether or not they finished. Any of them is unreachable without it.
func (r *Report) KeysHandedOver() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.KeySet {
			n++
		}
	}
	return n
}

// Commissioned returns the identities of successful devices, carrying their
// new address and the project key
func (r *Report) Commissioned() []*discovery.Device {
	var out []*discovery.Device
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			out = append(out, o.Device)
		}
	}
	return out
}
