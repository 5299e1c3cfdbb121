package monitor

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// libudev rebroadcasts uevents with a binary header in front of the
// "KEY=VALUE\0" payload. Raw kernel messages instead start with a
// "action@devpath\0" summary line.
var libudevPrefix = []byte("libudev\x00")

const (
	libudevMagic      = 0xfeedcafe
	libudevHeaderSize = 40

	libudevMagicOff = 8
	libudevPropsOff = 16
	libudevPropsLen = 20
)

// Property is one ordered name/value pair from a uevent message.
type Property struct {
	Name  string
	Value string
}

// parseMessage decodes a uevent datagram in either the raw kernel format
// or the libudev monitor format into its ordered property sequence.
func parseMessage(data []byte) ([]Property, error) {
	if bytes.HasPrefix(data, libudevPrefix) {
		return parseUdevMessage(data)
	}

	// Raw kernel format: "action@devpath\0KEY=VALUE\0...".
	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return nil, fmt.Errorf("truncated uevent message (%d bytes)", len(data))
	}
	if !bytes.ContainsRune(data[:end], '@') {
		return nil, fmt.Errorf("invalid uevent message header %q", data[:end])
	}
	return parseKeyValues(data[end+1:]), nil
}

func parseUdevMessage(data []byte) ([]Property, error) {
	if len(data) < libudevHeaderSize {
		return nil, fmt.Errorf("short libudev header (%d bytes)", len(data))
	}
	// The magic is stored in network order, the offsets in host order.
	if binary.BigEndian.Uint32(data[libudevMagicOff:]) != libudevMagic {
		return nil, fmt.Errorf("bad libudev magic")
	}
	off := binary.NativeEndian.Uint32(data[libudevPropsOff:])
	length := binary.NativeEndian.Uint32(data[libudevPropsLen:])
	if int(off) > len(data) || int(off)+int(length) > len(data) {
		return nil, fmt.Errorf("libudev properties out of bounds (off %d len %d)", off, length)
	}
	return parseKeyValues(data[off : off+length]), nil
}

func parseKeyValues(data []byte) []Property {
	var props []Property
	for _, entry := range bytes.Split(data, []byte{0}) {
		if len(entry) == 0 {
			continue
		}
		name, value, found := bytes.Cut(entry, []byte{'='})
		if !found || len(name) == 0 {
			logrus.Debugf("skipping malformed uevent property %q", entry)
			continue
		}
		props = append(props, Property{Name: string(name), Value: string(value)})
	}
	return props
}
