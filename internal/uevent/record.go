package uevent

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"

	"github.com/lucab/multipath-tools/internal/monitor"
)

const (
	// arenaCapacity bounds a record's property storage; properties that
	// would overflow it are dropped, not reallocated.
	arenaCapacity = 2048 + 512
	// maxProperties bounds the number of stored property views.
	maxProperties = 64

	mpathUUIDPrefix = "mpath-"
)

var dmPrefix = []byte("dm-")

// DeviceRef is a reference-counted handle on the transport-side device
// object backing a uevent. A Record owns exactly one reference and drops
// it exactly once, either on construction failure or on release.
type DeviceRef interface {
	Ref()
	Unref()
}

// Record is a single device uevent. All of its string fields are views
// into one fixed-capacity arena that stays valid for the record's
// lifetime; the record must not be used after the queue releases it.
type Record struct {
	arena *bytebufferpool.ByteBuffer
	props [][]byte // "NAME=VALUE" views, in arrival order

	action  []byte
	devpath []byte
	kernel  []byte
	wwid    []byte

	wwidResolved bool

	dev    DeviceRef
	merged []*Record
}

// New builds a Record from an ordered uevent property sequence and a
// device handle. Ownership of the caller's device reference transfers in:
// on failure the reference is dropped here and the error returned.
func New(props []monitor.Property, dev DeviceRef) (*Record, error) {
	r := &Record{arena: bytebufferpool.Get()}
	if cap(r.arena.B) < arenaCapacity {
		r.arena.B = make([]byte, 0, arenaCapacity)
	} else {
		r.arena.B = r.arena.B[:0]
	}

	for _, p := range props {
		if len(r.props) == maxProperties {
			logrus.Warnf("uevent with more than %d properties, rest dropped", maxProperties)
			break
		}
		need := len(p.Name) + 1 + len(p.Value) + 1
		if len(r.arena.B)+need > arenaCapacity {
			logrus.Warn("buffer overflow for uevent, properties truncated")
			break
		}
		off := len(r.arena.B)
		r.arena.B = append(r.arena.B, p.Name...)
		r.arena.B = append(r.arena.B, '=')
		r.arena.B = append(r.arena.B, p.Value...)
		view := r.arena.B[off:len(r.arena.B):len(r.arena.B)]
		r.arena.B = append(r.arena.B, 0)
		r.props = append(r.props, view)

		switch p.Name {
		case "DEVPATH":
			r.devpath = view[len("DEVPATH="):]
		case "ACTION":
			r.action = view[len("ACTION="):]
		}
	}

	if r.devpath == nil || r.action == nil {
		dev.Unref()
		r.reclaim()
		return nil, fmt.Errorf("uevent missing necessary fields")
	}
	r.dev = dev

	if i := bytes.LastIndexByte(r.devpath, '/'); i >= 0 {
		r.kernel = r.devpath[i+1:]
	} else {
		r.kernel = r.devpath
	}

	logrus.Debugf("uevent '%s' from '%s'", r.action, r.devpath)
	return r, nil
}

// Action returns the uevent action ("add", "remove", "change", ...).
func (r *Record) Action() string {
	return string(r.action)
}

// DevPath returns the kernel device path.
func (r *Record) DevPath() string {
	return string(r.devpath)
}

// Kernel returns the kernel device name, the last devpath component.
func (r *Record) Kernel() string {
	return string(r.kernel)
}

// WWID returns the resolved identifying attribute value, or "" if none
// was resolved.
func (r *Record) WWID() string {
	return string(r.wwid)
}

// Merged returns the records merged into this one, oldest first.
func (r *Record) Merged() []*Record {
	return r.merged
}

// Get looks up a property value by exact name, first match wins.
func (r *Record) Get(name string) ([]byte, bool) {
	if name == "" {
		logrus.Warn("uevent property lookup with empty name")
		return nil, false
	}
	for _, p := range r.props {
		if len(p) > len(name) && p[len(name)] == '=' && string(p[:len(name)]) == name {
			return p[len(name)+1:], true
		}
	}
	return nil, false
}

// GetString returns a property value copied out of the arena, so it may
// outlive the record.
func (r *Record) GetString(name string) (string, bool) {
	v, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetPositiveInt parses a property value as a non-negative decimal.
// Returns -1 when the property is absent, empty or malformed.
func (r *Record) GetPositiveInt(name string) int {
	v, ok := r.Get(name)
	if !ok || len(v) == 0 {
		return -1
	}
	n, err := strconv.Atoi(string(v))
	if err != nil || n < 0 {
		logrus.Warnf("invalid %s: '%s'", name, v)
		return -1
	}
	return n
}

// IsMultipath reports whether the uevent belongs to a multipath mapped
// device: its DM_UUID carries the mpath prefix plus a nonempty remainder.
func (r *Record) IsMultipath() bool {
	uuid, ok := r.Get("DM_UUID")
	if !ok {
		return false
	}
	return len(uuid) > len(mpathUUIDPrefix) &&
		string(uuid[:len(mpathUUIDPrefix)]) == mpathUUIDPrefix
}

// ResolveWWID resolves the record's wwid from the first configured
// identifying attribute present in the property list. At most one
// resolution attempt is made per record.
func (r *Record) ResolveWWID(names []string) {
	if r.wwidResolved {
		return
	}
	r.wwidResolved = true
	for _, name := range names {
		if v, ok := r.Get(name); ok {
			r.wwid = v
			logrus.Tracef("%s: wwid '%s' from %s", r.kernel, v, name)
			return
		}
	}
}

func (r *Record) isDM() bool {
	return bytes.HasPrefix(r.kernel, dmPrefix)
}

func (r *Record) actionIs(action string) bool {
	return string(r.action) == action
}

// free drops the device reference and returns the arena. Merged children
// are untouched; callers release them first.
func (r *Record) free() {
	if r.dev != nil {
		r.dev.Unref()
		r.dev = nil
	}
	r.reclaim()
}

// release frees the record and all of its merged children.
func (r *Record) release() {
	for _, child := range r.merged {
		child.free()
	}
	r.merged = nil
	r.free()
}

func (r *Record) reclaim() {
	r.props = nil
	r.action = nil
	r.devpath = nil
	r.kernel = nil
	r.wwid = nil
	if r.arena != nil {
		bytebufferpool.Put(r.arena)
		r.arena = nil
	}
}
