package monitor

import "sync/atomic"

// Device is a reference-counted handle on the kernel object a uevent
// describes. Receive hands out a device with one reference; holders take
// additional references with Ref and drop them with Unref.
type Device struct {
	refs  atomic.Int32
	props []Property
}

func newDevice(props []Property) *Device {
	d := &Device{props: props}
	d.refs.Store(1)
	return d
}

// Ref takes an additional reference.
func (d *Device) Ref() {
	d.refs.Add(1)
}

// Unref drops one reference; the last drop releases the property storage.
func (d *Device) Unref() {
	if d.refs.Add(-1) == 0 {
		d.props = nil
	}
}

// Properties returns the ordered property sequence of the originating
// uevent message. Valid only while a reference is held.
func (d *Device) Properties() []Property {
	return d.props
}
