package command

import (
	"context"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Sink is a one-way channel to the robot. Writes may fail; the dispatcher logs
// and drops the frame.
type Sink interface {
	Name() string
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Recorder receives dispatch outcomes. It is implemented by the metrics
// collector.
type Recorder interface {
	CommandSent(sink string)
	CommandDropped(sink, reason string)
}

// Drop reasons passed to Recorder.CommandDropped.
const (
	DropSuperseded  = "superseded"
	DropRateLimited = "rate_limited"
	DropEncode      = "encode"
	DropWrite       = "write"
	DropClosed      = "closed"
)

type noopRecorder struct{}

func (noopRecorder) CommandSent(string)            {}
func (noopRecorder) CommandDropped(string, string) {}

const writeTimeout = 100 * time.Millisecond

// Dispatcher holds the latest command in a single slot and a background
// writer drains it. Send never blocks: a newer command replaces one that has
// not been written yet. With a minimum interval the writer holds the slot
// until the interval has passed, so the latest command always goes out.
type Dispatcher struct {
	sink        Sink
	logger      logging.Logger
	recorder    Recorder
	minInterval time.Duration
	now         func() time.Time

	mu       sync.Mutex
	pending  []byte
	lastSend time.Time
	closed   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher starts the writer. minInterval of zero disables rate limiting.
func NewDispatcher(sink Sink, minInterval time.Duration, recorder Recorder, logger logging.Logger) *Dispatcher {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	d := &Dispatcher{
		sink:        sink,
		logger:      logger,
		recorder:    recorder,
		minInterval: minInterval,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	d.wg.Add(1)
	utils.ManagedGo(d.run, d.wg.Done)
	return d
}

// Send queues cmd for transmission and returns immediately.
func (d *Dispatcher) Send(cmd Command) {
	payload, err := cmd.Encode()
	if err != nil {
		d.logger.Warnf("dropping command that failed to encode: %v", err)
		d.recorder.CommandDropped(d.sink.Name(), DropEncode)
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.recorder.CommandDropped(d.sink.Name(), DropClosed)
		return
	}
	superseded := d.pending != nil
	limited := d.holdoff() > 0
	d.pending = payload
	d.mu.Unlock()

	switch {
	case superseded && limited:
		d.recorder.CommandDropped(d.sink.Name(), DropRateLimited)
	case superseded:
		d.recorder.CommandDropped(d.sink.Name(), DropSuperseded)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// holdoff is how long the next write must wait. Callers hold mu.
func (d *Dispatcher) holdoff() time.Duration {
	if d.minInterval <= 0 || d.lastSend.IsZero() {
		return 0
	}
	return d.minInterval - d.now().Sub(d.lastSend)
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			payload := d.pending
			if payload == nil {
				d.mu.Unlock()
				break
			}
			// Rate limited: wait out the interval and send whatever is
			// latest by then.
			if wait := d.holdoff(); wait > 0 {
				d.mu.Unlock()
				timer := time.NewTimer(wait)
				select {
				case <-d.done:
					timer.Stop()
					return
				case <-timer.C:
				}
				continue
			}
			d.pending = nil
			d.lastSend = d.now()
			d.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := d.sink.Write(ctx, payload)
			cancel()
			if err != nil {
				d.logger.Debugf("command write to %s failed: %v", d.sink.Name(), err)
				d.recorder.CommandDropped(d.sink.Name(), DropWrite)
				continue
			}
			d.recorder.CommandSent(d.sink.Name())
		}
	}
}

// Close stops the writer and closes the sink. A pending command is discarded.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.pending = nil
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
	return d.sink.Close()
}
