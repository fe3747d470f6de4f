package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
)

// maxLineSize caps a single stdio frame
const maxLineSize = 16 << 20

// StdioTransport exchanges newline-delimited JSON-RPC messages over a
// reader/writer pair, by default the process's stdin and stdout.
type StdioTransport struct {
	*BaseTransport
	reader    io.Reader
	rawWriter *bufio.Writer
	mutex     sync.Mutex // serializes writes
	done      chan struct{}
	stopOnce  sync.Once
}

// NewStdioTransport creates a stdio transport. Nil reader or writer select
// os.Stdin and os.Stdout.
func NewStdioTransport(reader io.Reader, writer io.Writer, logger *zap.Logger) *StdioTransport {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}
	return &StdioTransport{
		BaseTransport: NewBaseTransport(logger),
		reader:        reader,
		rawWriter:     bufio.NewWriter(writer),
		done:          make(chan struct{}),
	}
}

// Initialize is a no-op; the streams are already open.
func (t *StdioTransport) Initialize(ctx context.Context) error {
	return nil
}

// Start reads lines until EOF, ctx cancellation or Stop. On EOF it waits for
// in-flight requests so their responses are written before returning.
func (t *StdioTransport) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scannerDone := make(chan struct{})

	g.Go(func() error {
		defer close(scannerDone)

		for scanner.Scan() {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.done:
				return nil
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			// The scanner reuses its buffer.
			data := make([]byte, len(line))
			copy(data, line)
			t.Dispatch(gctx, data, t.Send)
		}

		if err := scanner.Err(); err != nil {
			select {
			case <-t.done:
				return nil
			default:
			}
			return mcperrors.StdioTransportError("read_input", err).
				WithContext(&mcperrors.Context{Component: "StdioTransport", Operation: "scan_input"})
		}
		t.WaitInflight()
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-t.done:
		case <-scannerDone:
			return nil
		}
		// Closing the reader unblocks scanner.Scan.
		if closer, ok := t.reader.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil
	})

	err := g.Wait()
	t.Cleanup()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Stop halts the transport and flushes pending output.
func (t *StdioTransport) Stop(ctx context.Context) error {
	var flushErr error
	t.stopOnce.Do(func() {
		close(t.done)

		t.mutex.Lock()
		flushErr = t.rawWriter.Flush()
		t.mutex.Unlock()

		t.Cleanup()
	})

	if flushErr != nil {
		return mcperrors.StdioTransportError("stop", flushErr).
			WithContext(&mcperrors.Context{Component: "StdioTransport", Operation: "flush_on_stop"})
	}
	return nil
}

// Send writes one frame followed by a newline
func (t *StdioTransport) Send(data []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	select {
	case <-t.done:
		return mcperrors.TransportClosed("stdio")
	default:
	}

	if _, err := t.rawWriter.Write(data); err != nil {
		return mcperrors.StdioTransportError("send_message", err)
	}
	if err := t.rawWriter.WriteByte('\n'); err != nil {
		return mcperrors.StdioTransportError("send_message", err)
	}
	if err := t.rawWriter.Flush(); err != nil {
		return mcperrors.StdioTransportError("send_message", err)
	}
	return nil
}

// SendRequest sends a request and waits for its response
func (t *StdioTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return t.Call(ctx, method, params, t.Send)
}

// SendNotification sends a notification
func (t *StdioTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	return t.Notify(method, params, t.Send)
}
