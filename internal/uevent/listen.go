package uevent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lucab/multipath-tools/internal/monitor"
)

const (
	// idleTimeout is the poll timeout outside a burst.
	idleTimeout = 30 * time.Second
	// burstTimeout keeps draining the socket while events keep arriving,
	// yielding occasionally instead of spinning.
	burstTimeout = time.Millisecond
)

// Listen runs the uevent producer loop: it polls the monitor socket,
// builds records from received messages and forwards them to the queue in
// bursts, so the listening goroutine itself never blocks on consumer-side
// work and can keep the socket receive buffer drained.
//
// It returns on context cancellation or on a hard transport error; poll
// interruptions are retried and per-event failures are dropped. Pending
// records are forwarded on every exit path.
func Listen(ctx context.Context, mon *monitor.Monitor, q *Queue) error {
	var pending []*Record
	events := 0
	timeout := idleTimeout
	windowStart := time.Now()

	// Forward whatever accumulated, whichever way the loop exits.
	defer func() {
		q.forward(pending)
	}()

	fds := []unix.PollFd{{Fd: int32(mon.Fd()), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("error receiving uevent message: %w", err)
		}

		if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("uevent socket failed: revents %#x", fds[0].Revents)
		}

		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			if shouldAccumulate(windowStart, events+1) {
				timeout = burstTimeout
			} else {
				timeout = 0
			}

			props, dev, err := mon.Receive()
			if err != nil {
				if !errors.Is(err, monitor.ErrIgnored) {
					logrus.Errorf("failed getting uevent: %v", err)
				}
				continue
			}
			uev, err := New(props, dev)
			if err != nil {
				logrus.Warnf("lost uevent: %v", err)
				continue
			}
			pending = append(pending, uev)
			events++
			continue
		}

		// Poll timed out: hand the burst over and poke the dispatcher.
		if len(pending) > 0 {
			logrus.Debugf("forwarding %d uevents", events)
			q.forward(pending)
			pending = nil
			events = 0
		}
		windowStart = time.Now()
		timeout = idleTimeout
	}
}
