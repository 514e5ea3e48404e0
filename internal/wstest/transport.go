// Package wstest provides an in-memory wsconn.Transport for tests.
package wstest

import (
	"context"
	"slices"
	"sync"

	"github.com/eapache/queue"

	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// Transport is a fake wsconn.Transport. Inbound frames are queued with Push
// and handed out in order by ReceiveFrame; outbound frames are recorded.
type Transport struct {
	mu      sync.Mutex
	inbound *queue.Queue
	wake    chan struct{}
	sent    []wsconn.Frame

	sendErr error
	recvErr error

	disconnected   bool
	disconnectCode wsconn.StatusCode

	receiveCalls int
	sendCalls    int

	// OnSend, if set, is called after each outbound frame is recorded.
	OnSend func(f wsconn.Frame)
}

// NewTransport creates a fake transport with frames already queued.
func NewTransport(frames ...wsconn.Frame) *Transport {
	t := &Transport{
		inbound: queue.New(),
		wake:    make(chan struct{}, 1),
	}
	t.Push(frames...)
	return t
}

// Push queues inbound frames.
func (t *Transport) Push(frames ...wsconn.Frame) {
	if len(frames) == 0 {
		return
	}
	t.mu.Lock()
	for _, f := range frames {
		t.inbound.Add(f)
	}
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// PushText queues an inbound text frame.
func (t *Transport) PushText(s string) {
	t.Push(wsconn.Frame{Kind: wsconn.FrameText, Data: []byte(s)})
}

// PushBinary queues an inbound binary frame.
func (t *Transport) PushBinary(p []byte) {
	t.Push(wsconn.Frame{Kind: wsconn.FrameBinary, Data: p})
}

// Disconnect queues an inbound disconnect notice.
func (t *Transport) Disconnect(code wsconn.StatusCode) {
	t.Push(wsconn.Frame{Kind: wsconn.FrameDisconnect, Code: code})
}

// DisconnectAsync flags a disconnect that the Conn observes at its next
// operation through wsconn.DisconnectNotifier.
func (t *Transport) DisconnectAsync(code wsconn.StatusCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
	t.disconnectCode = code
}

// Disconnected implements wsconn.DisconnectNotifier.
func (t *Transport) Disconnected() (wsconn.StatusCode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnectCode, t.disconnected
}

// FailSend makes every following SendFrame return err.
func (t *Transport) FailSend(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// FailReceive makes every following ReceiveFrame return err.
func (t *Transport) FailReceive(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvErr = err
}

// ReceiveFrame implements wsconn.Transport.
func (t *Transport) ReceiveFrame(ctx context.Context) (wsconn.Frame, error) {
	t.mu.Lock()
	t.receiveCalls++
	t.mu.Unlock()

	for {
		t.mu.Lock()
		if t.recvErr != nil {
			err := t.recvErr
			t.mu.Unlock()
			return wsconn.Frame{}, err
		}
		if t.inbound.Length() > 0 {
			f := t.inbound.Remove().(wsconn.Frame)
			t.mu.Unlock()
			return f, nil
		}
		t.mu.Unlock()

		select {
		case <-t.wake:
		case <-ctx.Done():
			return wsconn.Frame{}, ctx.Err()
		}
	}
}

// SendFrame implements wsconn.Transport.
func (t *Transport) SendFrame(ctx context.Context, f wsconn.Frame) error {
	t.mu.Lock()
	t.sendCalls++
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	f.Data = slices.Clone(f.Data)
	t.sent = append(t.sent, f)
	onSend := t.OnSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(f)
	}
	return nil
}

// Sent returns a copy of the recorded outbound frames.
func (t *Transport) Sent() []wsconn.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.sent)
}

// SentOfKind returns the recorded outbound frames of kind k.
func (t *Transport) SentOfKind(k wsconn.FrameKind) []wsconn.Frame {
	var out []wsconn.Frame
	for _, f := range t.Sent() {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

// Calls returns how many times ReceiveFrame and SendFrame were called.
func (t *Transport) Calls() (receive, send int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receiveCalls, t.sendCalls
}
