package logger

import (
	"bytes"
	"io"
	"sync"
)

// GateState represents the state of the log gate
type GateState int

const (
	// GateClosed means logs are buffered but not written
	GateClosed GateState = iota
	// GateOpen means logs flow through immediately
	GateOpen
)

// GatedWriter buffers writes until its gate is opened. The server keeps the
// gate closed while it loads config and logs in, so a failed start prints a
// single error instead of a partial log.
type GatedWriter struct {
	mu         sync.Mutex
	underlying io.Writer
	buffer     bytes.Buffer
	state      GateState
	maxBuffer  int
}

// GatedWriterConfig configures a GatedWriter
type GatedWriterConfig struct {
	Underlying   io.Writer
	InitialState GateState
	// MaxBufferSize limits buffered bytes, 0 means unlimited. The oldest
	// bytes are discarded first.
	MaxBufferSize int
}

// NewGatedWriter creates a new gated writer
func NewGatedWriter(config GatedWriterConfig) *GatedWriter {
	if config.Underlying == nil {
		config.Underlying = io.Discard
	}
	return &GatedWriter{
		underlying: config.Underlying,
		state:      config.InitialState,
		maxBuffer:  config.MaxBufferSize,
	}
}

// Write implements io.Writer
func (gw *GatedWriter) Write(p []byte) (int, error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.state == GateOpen {
		return gw.underlying.Write(p)
	}
	if gw.maxBuffer > 0 && gw.buffer.Len()+len(p) > gw.maxBuffer {
		gw.buffer.Next(gw.buffer.Len() + len(p) - gw.maxBuffer)
	}
	return gw.buffer.Write(p)
}

// OpenGate opens the gate and flushes buffered logs
func (gw *GatedWriter) OpenGate() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	gw.state = GateOpen
	return gw.flushLocked()
}

// CloseGate makes subsequent writes buffer again
func (gw *GatedWriter) CloseGate() {
	gw.mu.Lock()
	gw.state = GateClosed
	gw.mu.Unlock()
}

// Flush writes buffered logs without opening the gate
func (gw *GatedWriter) Flush() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.flushLocked()
}

func (gw *GatedWriter) flushLocked() error {
	if gw.buffer.Len() == 0 {
		return nil
	}
	_, err := gw.underlying.Write(gw.buffer.Bytes())
	gw.buffer.Reset()
	return err
}

// IsOpen returns true if the gate is open
func (gw *GatedWriter) IsOpen() bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.state == GateOpen
}

// BufferedSize returns the current size of buffered logs in bytes
func (gw *GatedWriter) BufferedSize() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.buffer.Len()
}

// GatedLogger is a Logger whose every output goes through one gate. Child
// loggers created from it share the gate.
type GatedLogger struct {
	Logger
	gate *GatedWriter
}

// NewGatedLogger creates a logger with gated output. The gate wraps the first
// configured output when gateConfig has no underlying writer.
func NewGatedLogger(config *Config, gateConfig GatedWriterConfig) (*GatedLogger, *GatedWriter) {
	if config == nil {
		config = DefaultConfig()
	}
	if gateConfig.Underlying == nil && len(config.Outputs) > 0 {
		gateConfig.Underlying = config.Outputs[0]
	}

	gate := NewGatedWriter(gateConfig)

	cfg := *config
	cfg.Outputs = []io.Writer{gate}

	return &GatedLogger{
		Logger: NewZerologLogger(&cfg),
		gate:   gate,
	}, gate
}

// OpenGate opens the gate and flushes buffered logs
func (gl *GatedLogger) OpenGate() error {
	return gl.gate.OpenGate()
}

// IsGateOpen returns true if the gate is open
func (gl *GatedLogger) IsGateOpen() bool {
	return gl.gate.IsOpen()
}
