package transport

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
)

const inMemoryBuffer = 128

// InMemoryTransport is one end of a connected pair created by NewInMemoryPair
type InMemoryTransport struct {
	*BaseTransport
	in       <-chan []byte
	out      chan<- []byte
	done     chan struct{}
	peerDone <-chan struct{}
	stopOnce sync.Once
}

// NewInMemoryPair returns two transports wired to each other. Whatever one
// sends, the other receives.
func NewInMemoryPair(logger *zap.Logger) (*InMemoryTransport, *InMemoryTransport) {
	aToB := make(chan []byte, inMemoryBuffer)
	bToA := make(chan []byte, inMemoryBuffer)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &InMemoryTransport{
		BaseTransport: NewBaseTransport(logger),
		in:            bToA,
		out:           aToB,
		done:          aDone,
		peerDone:      bDone,
	}
	b := &InMemoryTransport{
		BaseTransport: NewBaseTransport(logger),
		in:            aToB,
		out:           bToA,
		done:          bDone,
		peerDone:      aDone,
	}
	return a, b
}

// Initialize is a no-op
func (t *InMemoryTransport) Initialize(ctx context.Context) error {
	return nil
}

// Start delivers inbound messages until ctx ends or either side stops
func (t *InMemoryTransport) Start(ctx context.Context) error {
	defer t.Cleanup()
	for {
		select {
		case data := <-t.in:
			t.Dispatch(ctx, data, t.send)
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case <-t.peerDone:
			return nil
		}
	}
}

// Stop disconnects this end; the peer's Start returns as well
func (t *InMemoryTransport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		close(t.done)
		t.Cleanup()
	})
	return nil
}

func (t *InMemoryTransport) send(data []byte) error {
	select {
	case <-t.done:
		return mcperrors.TransportClosed("memory")
	case <-t.peerDone:
		return mcperrors.ConnectionLost("memory", nil)
	default:
	}

	select {
	case t.out <- data:
		return nil
	case <-t.done:
		return mcperrors.TransportClosed("memory")
	case <-t.peerDone:
		return mcperrors.ConnectionLost("memory", nil)
	}
}

// SendRequest sends a request to the peer and waits for the response
func (t *InMemoryTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return t.Call(ctx, method, params, t.send)
}

// SendNotification sends a notification to the peer
func (t *InMemoryTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	return t.Notify(method, params, t.send)
}
