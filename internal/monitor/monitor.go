package monitor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// Multicast groups on the kobject uevent socket. The kernel broadcasts
	// raw uevents on group 1; udev rebroadcasts processed events (with
	// ID_* properties attached) on group 2.
	KernelGroup = 0x1
	UdevGroup   = 0x2

	// DefaultReceiveBufferSize is sized so a uevent storm does not overflow
	// the socket before the listener drains it.
	DefaultReceiveBufferSize = 128 * 1024 * 1024

	datagramSize = 16 * 1024
)

// ErrIgnored is returned by Receive for messages that do not pass the
// subsystem/devtype filter or cannot be attributed to the kernel or udev.
var ErrIgnored = errors.New("uevent message ignored")

// Options configures a Monitor.
type Options struct {
	// Group selects the netlink multicast group; defaults to UdevGroup.
	Group uint32
	// ReceiveBufferSize is the requested socket receive buffer in bytes
	// (best effort); defaults to DefaultReceiveBufferSize.
	ReceiveBufferSize int
	// Subsystem and DevType filter received events. Both default to the
	// block/disk pair; an explicit "*" disables the respective match.
	Subsystem string
	DevType   string
}

// Monitor is a netlink socket subscribed to kernel device uevents.
// It is pollable via Fd and drained one event at a time via Receive.
type Monitor struct {
	fd        int
	closed    atomic.Bool
	subsystem string
	devtype   string
}

// New opens the uevent netlink socket and subscribes to the configured
// multicast group.
func New(opts Options) (*Monitor, error) {
	if opts.Group == 0 {
		opts.Group = UdevGroup
	}
	if opts.ReceiveBufferSize == 0 {
		opts.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if opts.Subsystem == "" {
		opts.Subsystem = "block"
	}
	if opts.DevType == "" {
		opts.DevType = "disk"
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("creating uevent socket: %w", err)
	}

	// SO_RCVBUFFORCE needs CAP_NET_ADMIN; fall back to the capped variant.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, opts.ReceiveBufferSize); err != nil {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReceiveBufferSize); err != nil {
			logrus.Warnf("failed to increase uevent receive buffer size: %v", err)
		}
	}

	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: opts.Group,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding uevent socket: %w", err)
	}

	return &Monitor{
		fd:        fd,
		subsystem: opts.Subsystem,
		devtype:   opts.DevType,
	}, nil
}

// Fd returns the socket descriptor for polling.
func (m *Monitor) Fd() int {
	return m.fd
}

// Close releases the socket, waking any poller on the descriptor.
// Safe to call more than once.
func (m *Monitor) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return unix.Close(m.fd)
}

// Receive reads a single pending uevent message without blocking.
// It returns the ordered property sequence and a device handle holding
// one reference owned by the caller.
func (m *Monitor) Receive() ([]Property, *Device, error) {
	buf := make([]byte, datagramSize)
	n, from, err := unix.Recvfrom(m.fd, buf, unix.MSG_DONTWAIT)
	if err != nil {
		return nil, nil, fmt.Errorf("receiving uevent message: %w", err)
	}

	// Unicast messages can come from any process; uevents are multicast.
	if nl, ok := from.(*unix.SockaddrNetlink); ok && nl.Groups == 0 {
		logrus.Debugf("ignoring unicast message from pid %d", nl.Pid)
		return nil, nil, ErrIgnored
	}

	props, err := parseMessage(buf[:n])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing uevent message: %w", err)
	}
	if !m.match(props) {
		return nil, nil, ErrIgnored
	}

	return props, newDevice(props), nil
}

func (m *Monitor) match(props []Property) bool {
	return matchProperty(props, "SUBSYSTEM", m.subsystem) &&
		matchProperty(props, "DEVTYPE", m.devtype)
}

func matchProperty(props []Property, name, want string) bool {
	if want == "*" {
		return true
	}
	for _, p := range props {
		if p.Name == name {
			return p.Value == want
		}
	}
	return false
}
