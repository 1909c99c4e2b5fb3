package usbuart

import (
	"sync"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// factory recognises and constructs a chip driver. match is a pure
// VID/PID (and descriptor) table check; any register-level probing
// happens inside create, and a probe failure surfaces its own error
// (ControlError for a failed transfer) without falling through to
// later factories.
type factory interface {
	name() string
	match(usbio.DeviceInfo) bool
	create(dev usbio.Device, ifcnum uint8) (driver, error)
}

// driverRegistry is the process-wide ordered factory list. Each chip
// driver file registers itself from init(), so registration order
// follows the fixed file order of this package rather than any global
// constructor discipline.
type driverRegistry struct {
	mu        sync.Mutex
	factories []factory
}

var registry driverRegistry

func registerFactory(f factory) {
	registry.mu.Lock()
	registry.factories = append(registry.factories, f)
	registry.mu.Unlock()
}

func (r *driverRegistry) snapshot() []factory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]factory(nil), r.factories...)
}

// create walks the factory list in order; the first factory whose
// table matches the device builds the driver. No match fails with
// NotSupported.
func (r *driverRegistry) create(dev usbio.Device, ifcnum uint8) (driver, error) {
	for _, f := range r.snapshot() {
		if !f.match(dev.Info()) {
			continue
		}
		return f.create(dev, ifcnum)
	}
	return nil, NotSupported
}

// lookup names the factory that would claim the device, for listings.
func (r *driverRegistry) lookup(info usbio.DeviceInfo) string {
	for _, f := range r.snapshot() {
		if f.match(info) {
			return f.name()
		}
	}
	return ""
}
