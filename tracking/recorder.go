// Package tracking is the metric side channel of a run. Recording never
// blocks training and never fails it: sink errors are logged and points
// that do not fit the buffer are dropped.
package tracking

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tsawler/go-latex-ocr/config"
	"k8s.io/klog/v2"
)

// Metric keys emitted by the trainer.
const (
	TrainLoss        = "train/loss"
	TrainEpoch       = "train/epoch"
	ValBLEU          = "val/bleu"
	ValEditDistance  = "val/edit_distance"
	ValTokenAccuracy = "val/token_acc"
)

// Point is one recorded scalar.
type Point struct {
	Run   string    `json:"run"`
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	Step  int       `json:"step"`
	Time  time.Time `json:"time"`
}

// Recorder accepts scalar metrics.
type Recorder interface {
	Record(name string, value float64, step int)
	Close() error
}

// Sink delivers points somewhere durable.
type Sink interface {
	Write(points []Point) error
	Close() error
}

// NewRunID generates a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(string, float64, int) {}
func (Nop) Close() error                { return nil }

// AsyncRecorder forwards points to a Sink from a background goroutine.
type AsyncRecorder struct {
	run     string
	sink    Sink
	points  chan Point
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

// NewAsyncRecorder starts a recorder buffering up to buffer points.
func NewAsyncRecorder(run string, sink Sink, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &AsyncRecorder{
		run:    run,
		sink:   sink,
		points: make(chan Point, buffer),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues a point, dropping it if the buffer is full.
func (r *AsyncRecorder) Record(name string, value float64, step int) {
	p := Point{Run: r.run, Name: name, Value: value, Step: step, Time: time.Now()}
	select {
	case r.points <- p:
	default:
		if r.dropped.Add(1) == 1 {
			klog.Warning("tracking buffer full, dropping metrics")
		}
	}
}

// Dropped counts points lost to a full buffer.
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes queued points and closes the sink.
func (r *AsyncRecorder) Close() error {
	r.once.Do(func() {
		close(r.points)
		<-r.done
	})
	return r.sink.Close()
}

func (r *AsyncRecorder) loop() {
	defer close(r.done)
	batch := make([]Point, 0, 64)
	for p := range r.points {
		batch = append(batch[:0], p)
	drain:
		for len(batch) < cap(batch) {
			select {
			case q, ok := <-r.points:
				if !ok {
					break drain
				}
				batch = append(batch, q)
			default:
				break drain
			}
		}
		if err := r.sink.Write(batch); err != nil {
			klog.Warningf("tracking: failed to write %d points: %v", len(batch), err)
		}
	}
}

// Open builds the recorder described by cfg: Nop when tracking is off, an
// HTTP sink when tracking_url is set, otherwise a JSON-lines file under
// tracking_dir (default: the run directory). A sink that cannot be opened
// degrades to Nop so metrics never stop a run.
func Open(cfg config.Config) (Recorder, error) {
	if !cfg.Tracking {
		return Nop{}, nil
	}

	var sink Sink
	if cfg.TrackingURL != "" {
		httpSink := NewHTTPSink(DefaultHTTPConfig(cfg.TrackingURL))
		if err := httpSink.CheckHealth(); err != nil {
			klog.Warningf("tracking service unavailable, metrics may be lost: %v", err)
		}
		sink = httpSink
	} else {
		dir := cfg.TrackingDir
		if dir == "" {
			dir = cfg.RunDir()
		}
		fileSink, err := NewFileSink(dir, cfg.ID)
		if err != nil {
			klog.Warningf("tracking disabled, cannot open metrics file in %s: %v", dir, err)
			return Nop{}, nil
		}
		sink = fileSink
	}
	return NewAsyncRecorder(cfg.ID, sink, 0), nil
}
