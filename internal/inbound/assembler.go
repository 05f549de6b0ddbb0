// Package inbound reassembles stylized frames received from the server and
// decodes them into the output pixel buffer.
package inbound

import (
	"fmt"
	"log/slog"

	"github.com/eleven-am/stylestream/internal/codec"
	"github.com/eleven-am/stylestream/internal/metrics"
	"github.com/eleven-am/stylestream/internal/protocol"
	"github.com/eleven-am/stylestream/internal/shared"
)

const (
	// MinFrameSize is the smallest payload worth handing to a decoder.
	MinFrameSize = 8

	initialBufferSize = 1024 * 1024
)

// Frame is one decoded server frame. Data is a private copy of the
// compressed bytes; Pixels is the assembler's output buffer and is only
// valid until the next frame arrives.
type Frame struct {
	Sequence uint64
	Format   codec.Format
	Data     []byte
	Pixels   *codec.PixelBuffer
}

// Assembler accumulates raw fragments until the transport reports the last
// one. It is not safe for concurrent use; the owning control loop drives it.
type Assembler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	buf      []byte
	output   *codec.PixelBuffer
	received uint64
	window   int

	FrameReceived shared.Signal[Frame]
}

func NewAssembler(logger *slog.Logger, m *metrics.Metrics) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		logger:  logger.With("component", "inbound"),
		metrics: m,
		buf:     make([]byte, 0, initialBufferSize),
	}
}

// SetOutputSize preallocates the output buffer.
func (a *Assembler) SetOutputSize(width, height int) {
	if a.output != nil && a.output.Width == width && a.output.Height == height {
		return
	}
	a.output = codec.NewPixelBuffer(width, height)
}

func (a *Assembler) Output() *codec.PixelBuffer {
	return a.output
}

func (a *Assembler) FramesReceived() uint64 {
	return a.received
}

// TakeWindowCount returns the frames decoded since the previous call.
func (a *Assembler) TakeWindowCount() int {
	n := a.window
	a.window = 0
	return n
}

func (a *Assembler) Buffered() int {
	return len(a.buf)
}

func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.received = 0
	a.window = 0
}

// HandleRaw appends one fragment. When bytesRemaining is zero the buffered
// message is processed and the buffer cleared whatever the outcome.
func (a *Assembler) HandleRaw(data []byte, bytesRemaining int) {
	if len(data) > 0 {
		a.buf = append(a.buf, data...)
	}
	if bytesRemaining != 0 || len(a.buf) == 0 {
		return
	}

	defer func() { a.buf = a.buf[:0] }()

	if protocol.IsJSONPayload(a.buf) {
		return
	}
	a.process(a.buf)
}

func (a *Assembler) process(data []byte) {
	if len(data) < MinFrameSize {
		a.logger.Debug("ignoring short frame", "bytes", len(data))
		a.metrics.InboundDropped(metrics.ReasonTooShort)
		return
	}

	format := codec.DetectFormat(data)
	if format == codec.FormatUnknown {
		a.logger.Warn("unknown image format", "magic", fmt.Sprintf("% X", data[:4]))
		a.metrics.InboundDropped(metrics.ReasonUnknownFormat)
		return
	}

	pixels, _, err := codec.Decode(data)
	if err != nil {
		a.logger.Warn("failed to decode frame", "format", format.String(), "bytes", len(data), "error", err)
		a.metrics.InboundDropped(metrics.ReasonDecodeFailed)
		return
	}

	if a.output == nil || a.output.Width != pixels.Width || a.output.Height != pixels.Height {
		a.output = codec.NewPixelBuffer(pixels.Width, pixels.Height)
	}
	copy(a.output.Pix, pixels.Pix)

	a.received++
	a.window++
	a.metrics.FrameReceived()

	if shared.ShouldLogFrame(a.received) {
		a.logger.Info("received frame", "frame", a.received, "bytes", len(data), "format", format.String())
	}

	compressed := make([]byte, len(data))
	copy(compressed, data)
	a.FrameReceived.Emit(Frame{
		Sequence: a.received,
		Format:   format,
		Data:     compressed,
		Pixels:   a.output,
	})
}
