package teleop

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Telemetry is one processed update, as seen by observers outside the
// control loop.
type Telemetry struct {
	Time       time.Time     `json:"time"`
	Session    string        `json:"session"`
	Outcome    string        `json:"outcome"`
	Targets    [2][3]float64 `json:"targets"`
	Joints     []float64     `json:"joints"`
	Distances  [2]float64    `json:"distances"`
	Grippers   [2]float64    `json:"grippers"`
	Converged  bool          `json:"converged"`
	Iterations int           `json:"iterations"`
	Reason     string        `json:"reason,omitempty"`
}

// Sink receives telemetry. Record must not block the control loop.
type Sink interface {
	Record(t Telemetry)
}

// FanOut records to every sink in order.
type FanOut []Sink

func (f FanOut) Record(t Telemetry) {
	for _, s := range f {
		if s != nil {
			s.Record(t)
		}
	}
}

// ChannelSink hands telemetry to a consumer goroutine through a bounded
// channel. Records are dropped while the channel is full.
type ChannelSink struct {
	ch      chan Telemetry
	dropped atomic.Int64
}

// NewChannelSink creates a sink buffering up to size records.
func NewChannelSink(size int) *ChannelSink {
	if size < 1 {
		size = 1
	}
	return &ChannelSink{ch: make(chan Telemetry, size)}
}

func (c *ChannelSink) Record(t Telemetry) {
	select {
	case c.ch <- t:
	default:
		c.dropped.Add(1)
	}
}

// C is the receive side for the consumer.
func (c *ChannelSink) C() <-chan Telemetry {
	return c.ch
}

// Dropped counts records discarded because the consumer fell behind.
func (c *ChannelSink) Dropped() int64 {
	return c.dropped.Load()
}

// Recorder appends telemetry as newline-delimited JSON. Records are queued
// on a bounded channel and written by a background goroutine; they are
// dropped while the queue is full.
type Recorder struct {
	logger  logging.Logger
	ch      chan Telemetry
	enc     *json.Encoder
	closer  io.Closer
	failed  bool
	dropped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

const recorderQueue = 256

// NewRecorder writes to w. If w is an io.Closer, Close closes it.
func NewRecorder(w io.Writer, logger logging.Logger) *Recorder {
	return newRecorder(w, recorderQueue, logger)
}

func newRecorder(w io.Writer, size int, logger logging.Logger) *Recorder {
	r := &Recorder{
		logger: logger,
		ch:     make(chan Telemetry, size),
		enc:    json.NewEncoder(w),
	}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	r.wg.Add(1)
	utils.ManagedGo(r.run, r.wg.Done)
	return r
}

// OpenRecorder appends to the file at path, creating it if needed.
func OpenRecorder(path string, logger logging.Logger) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open telemetry file %s", path)
	}
	logger.Infof("Recording telemetry to %s", path)
	return NewRecorder(f, logger), nil
}

func (r *Recorder) Record(t Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- t:
	default:
		r.dropped.Add(1)
	}
}

// Dropped counts records discarded because the writer fell behind.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	for t := range r.ch {
		if err := r.enc.Encode(t); err != nil {
			// Logged once until a write succeeds again.
			if !r.failed {
				r.logger.Warnf("telemetry recording failed: %v", err)
				r.failed = true
			}
			continue
		}
		r.failed = false
	}
}

// Close writes out queued records and closes the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	r.wg.Wait()
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
