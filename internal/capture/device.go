// Package capture bridges a remote audio recorder, such as the browser's MediaRecorder, to the
// conversation's microphone interface. The remote side reports its permission outcome and pushes encoded
// audio chunks; the device forwards them on the currently open stream.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/autofix-assistant/autofix-web-ui/internal/conversation"
)

// Permission is the outcome of the recorder's microphone access request.
type Permission string

const (
	// PermissionGranted means the recorder may capture audio.
	PermissionGranted Permission = "granted"
	// PermissionDenied means the user refused microphone access.
	PermissionDenied Permission = "denied"
	// PermissionUnsupported means the recorder has no capture API or no input device.
	PermissionUnsupported Permission = "unsupported"
)

// ErrNotRecording is returned when a chunk arrives while no stream is open.
var ErrNotRecording = errors.New("no recording in progress")

// Device is a microphone fed by pushes. The zero value is not usable; use NewDevice.
type Device struct {
	mu         sync.Mutex
	permission Permission
	stream     *Stream
}

// Stream is one open capture on a Device.
type Stream struct {
	device *Device
	chunks chan []byte
	once   sync.Once

	// mu guards closed and the registration of senders.
	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup
	done    chan struct{}
}

// chunkBuffer bounds how many pushed chunks may wait for the consumer.
const chunkBuffer = 64

// NewDevice creates a Device with an unsupported permission.
func NewDevice() *Device {
	return &Device{permission: PermissionUnsupported}
}

// ParsePermission converts the recorder's report into a Permission. Unknown values are treated as
// unsupported.
func ParsePermission(s string) Permission {
	switch p := Permission(s); p {
	case PermissionGranted, PermissionDenied:
		return p
	default:
		return PermissionUnsupported
	}
}

// SetPermission records the recorder's latest permission outcome.
func (d *Device) SetPermission(p Permission) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.permission = p
}

// Open starts a new stream. It fails with conversation.ErrDevice unless permission was granted or while
// another stream is still open.
func (d *Device) Open(context.Context) (conversation.AudioStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.permission != PermissionGranted {
		return nil, fmt.Errorf("%w: microphone permission %s", conversation.ErrDevice, d.permission)
	}
	if d.stream != nil {
		return nil, fmt.Errorf("%w: microphone is already in use", conversation.ErrDevice)
	}

	d.stream = &Stream{
		device: d,
		chunks: make(chan []byte, chunkBuffer),
		done:   make(chan struct{}),
	}
	return d.stream, nil
}

// Push forwards one encoded audio chunk to the open stream, blocking while the stream's buffer is full. A
// push still blocked when the stream stops fails with ErrNotRecording.
func (d *Device) Push(ctx context.Context, chunk []byte) error {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()

	if s == nil {
		return ErrNotRecording
	}
	return s.push(ctx, chunk)
}

func (s *Stream) push(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()

	select {
	case s.chunks <- chunk:
		return nil
	case <-s.done:
		return ErrNotRecording
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recording reports whether a stream is open.
func (d *Device) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stream != nil
}

// Chunks returns the channel of pushed audio. It is closed by Stop.
func (s *Stream) Chunks() <-chan []byte {
	return s.chunks
}

// Stop closes the stream and releases the device. Calling it again is a no-op.
func (s *Stream) Stop() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()

		// Pending pushes return once done is closed; chunks is closed only after the last one.
		s.senders.Wait()
		close(s.chunks)

		s.device.mu.Lock()
		defer s.device.mu.Unlock()

		if s.device.stream == s {
			s.device.stream = nil
		}
	})
	return nil
}
