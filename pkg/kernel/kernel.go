// Package kernel provides a thin, run-loop-oriented wrapper around the raw
// Linux inotify syscalls. It does no coalescing, pairing, or path
// bookkeeping of its own: it only turns inotify_add_watch/inotify_rm_watch/
// read into a channel-based API that delivers fully-formed RawEvent values,
// leaving interpretation to higher layers.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/inocore/inocore/pkg/ievent"
)

const (
	// readBufferSize is the size of the buffer used for each read() call
	// against the inotify file descriptor. It must be large enough to hold
	// several maximally-sized inotify_event records (header plus a long
	// file name) without truncation.
	readBufferSize = 64 * 1024

	// eventChannelCapacity is the capacity of the channel used to relay
	// decoded raw events to the consumer.
	eventChannelCapacity = 1024
)

// RawEvent is a single inotify_event record, decoded from the kernel's wire
// format but otherwise uninterpreted.
type RawEvent struct {
	// Watch is the watch descriptor the event was reported against.
	Watch int32
	// Mask is the raw kernel event mask.
	Mask ievent.Mask
	// Cookie links together a paired MOVED_FROM/MOVED_TO event.
	Cookie uint32
	// Name is the base name of the affected entry when the watched object is
	// a directory, empty otherwise.
	Name string
}

// Instance wraps a single inotify file descriptor along with the run loop
// that reads and decodes events from it.
type Instance struct {
	fd int

	events chan RawEvent
	errors chan error

	cancel context.CancelFunc
	done   sync.WaitGroup

	closeOnce sync.Once
}

// New creates a new inotify instance and starts its run loop. The run loop
// terminates, closing the events channel (the errors channel is left open),
// when Close is called or a fatal read error occurs.
func New() (*Instance, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1 failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	instance := &Instance{
		fd:     fd,
		events: make(chan RawEvent, eventChannelCapacity),
		errors: make(chan error, 1),
		cancel: cancel,
	}

	instance.done.Add(1)
	go instance.run(ctx)

	return instance, nil
}

// AddWatch installs or updates a watch on path with the given mask,
// returning the resulting watch descriptor.
func (i *Instance) AddWatch(path string, mask ievent.Mask) (int32, error) {
	wd, err := unix.InotifyAddWatch(i.fd, path, uint32(mask))
	if err != nil {
		return 0, fmt.Errorf("inotify_add_watch failed for %q: %w", path, err)
	}
	return int32(wd), nil
}

// RemoveWatch removes a previously installed watch. It is not an error to
// remove a watch descriptor that the kernel has already invalidated (e.g.
// because the watched object was deleted); the kernel's EINVAL in that case
// is swallowed.
func (i *Instance) RemoveWatch(wd int32) error {
	if _, err := unix.InotifyRmWatch(i.fd, uint32(wd)); err != nil {
		if err == unix.EINVAL {
			return nil
		}
		return fmt.Errorf("inotify_rm_watch failed for watch %d: %w", wd, err)
	}
	return nil
}

// Events returns the channel on which decoded raw events are delivered.
func (i *Instance) Events() <-chan RawEvent {
	return i.events
}

// Errors returns the channel on which a fatal run-loop error is delivered,
// at most once, immediately before the instance shuts itself down.
func (i *Instance) Errors() <-chan error {
	return i.errors
}

// Close terminates the run loop and releases the underlying file
// descriptor. It is safe to call multiple times.
func (i *Instance) Close() error {
	var err error
	i.closeOnce.Do(func() {
		i.cancel()
		i.done.Wait()
		err = unix.Close(i.fd)
	})
	return err
}

// run is the core read loop. It uses poll(2) against the inotify descriptor
// plus the context's own cancellation so that Close can interrupt a blocked
// read without resorting to a self-pipe (poll lets us wait on the fd itself
// with a bounded timeout and simply recheck ctx.Done() between iterations).
func (i *Instance) run(ctx context.Context) {
	defer i.done.Done()
	defer close(i.events)

	buffer := make([]byte, readBufferSize)
	pollFds := []unix.PollFd{{Fd: int32(i.fd), Events: unix.POLLIN}}

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := unix.Poll(pollFds, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			i.fail(fmt.Errorf("poll failed: %w", err))
			return
		}
		if n == 0 {
			continue
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		read, err := unix.Read(i.fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			i.fail(fmt.Errorf("read failed: %w", err))
			return
		}
		if read == 0 {
			i.fail(fmt.Errorf("inotify descriptor closed unexpectedly"))
			return
		}

		for _, raw := range decode(buffer[:read]) {
			select {
			case i.events <- raw:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fail relays a fatal run-loop error on the errors channel without blocking.
func (i *Instance) fail(err error) {
	select {
	case i.errors <- err:
	default:
	}
}

// decode parses a buffer of one or more back-to-back inotify_event records
// (as returned by a single read() call) into RawEvent values.
func decode(buffer []byte) []RawEvent {
	var events []RawEvent

	const headerSize = unix.SizeofInotifyEvent

	offset := 0
	for offset+headerSize <= len(buffer) {
		header := (*unix.InotifyEvent)(unsafe.Pointer(&buffer[offset]))

		var name string
		nameLength := int(header.Len)
		if nameLength > 0 {
			nameBytes := buffer[offset+headerSize : offset+headerSize+nameLength]
			if i := indexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
		}

		events = append(events, RawEvent{
			Watch:  header.Wd,
			Mask:   ievent.Mask(header.Mask),
			Cookie: header.Cookie,
			Name:   name,
		})

		offset += headerSize + nameLength
	}

	return events
}

// indexByte returns the index of the first zero byte in buffer, or -1.
func indexByte(buffer []byte, b byte) int {
	for i, v := range buffer {
		if v == b {
			return i
		}
	}
	return -1
}
