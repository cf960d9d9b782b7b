// Package logsink owns the process log output. Components log through a
// *zap.Logger whose core converts every entry into a Record and offers it to
// a drop-oldest queue; a single sink goroutine drains the queue and writes.
package logsink

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/bus"
	"github.com/gambit-chess/gambit-server-go/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SourceName is the component id the sink uses for its own records.
const SourceName = "logsink"

// Record is one log line in transit to the sink.
type Record struct {
	Level   zapcore.Level
	Source  string
	Time    time.Time
	Message string
	Fields  []zapcore.Field

	last bool
}

// Sink drains the log queue into an encoder.
type Sink struct {
	queue   *bus.DropQueue[Record]
	level   zap.AtomicLevel
	encoder zapcore.Encoder
	out     zapcore.WriteSyncer
	closer  func() error

	once sync.Once
	done chan struct{}
}

// New builds a sink from configuration, opening the log file when output is
// "file".
func New(cfg config.LoggingConfig) (*Sink, error) {
	var (
		out    zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
		closer func() error
	)
	if cfg.Output == "file" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		out = f
		closer = f.Close
	}
	s, err := NewWithWriter(cfg, out)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	s.closer = closer
	return s, nil
}

// NewWithWriter builds a sink writing to out.
func NewWithWriter(cfg config.LoggingConfig, out zapcore.WriteSyncer) (*Sink, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		if cfg.Output != "file" {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	return &Sink{
		queue:   bus.NewDropQueue[Record](cfg.QueueSize),
		level:   zap.NewAtomicLevelAt(level),
		encoder: encoder,
		out:     out,
		done:    make(chan struct{}),
	}, nil
}

// Logger returns a logger whose entries are routed through the queue.
func (s *Sink) Logger() *zap.Logger {
	return zap.New(&queueCore{LevelEnabler: s.level, queue: s.queue})
}

// SetLevel changes the minimum level at runtime.
func (s *Sink) SetLevel(level zapcore.Level) {
	s.level.SetLevel(level)
}

// Run writes queued records until the shutdown record has been written and
// the queue is closed. Nothing is written after the shutdown record. It is the body of the log sink goroutine.
func (s *Sink) Run() {
	defer close(s.done)
	stopped := false
	for {
		records, dropped, ok := s.queue.Drain()
		if dropped > 0 {
			s.write(Record{
				Level:   zapcore.WarnLevel,
				Source:  SourceName,
				Time:    time.Now(),
				Message: "log records dropped",
				Fields:  []zapcore.Field{zap.Uint64("dropped", dropped)},
			})
		}
		if !ok {
			break
		}
		for _, rec := range records {
			if stopped {
				break
			}
			s.write(rec)
			stopped = rec.last
		}
	}
	_ = s.out.Sync()
	if s.closer != nil {
		_ = s.closer()
	}
}

// Shutdown enqueues the final record, closes the queue and waits for Run to
// return. Records logged afterwards are discarded.
func (s *Sink) Shutdown(reason string) {
	s.once.Do(func() {
		s.queue.Push(Record{
			Level:   zapcore.InfoLevel,
			Source:  SourceName,
			Time:    time.Now(),
			Message: "log sink stopped",
			Fields:  []zapcore.Field{zap.String("reason", reason)},
			last:    true,
		})
		s.queue.Close()
	})
	<-s.done
}

// Done is closed once Run has returned.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

func (s *Sink) write(rec Record) {
	entry := zapcore.Entry{
		Level:      rec.Level,
		Time:       rec.Time,
		LoggerName: rec.Source,
		Message:    rec.Message,
	}
	buf, err := s.encoder.EncodeEntry(entry, rec.Fields)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logsink: encode failed: %v\n", err)
		return
	}
	defer buf.Free()
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "logsink: write failed: %v\n", err)
	}
}

// queueCore is the zapcore.Core behind Sink.Logger.
type queueCore struct {
	zapcore.LevelEnabler
	queue  *bus.DropQueue[Record]
	fields []zapcore.Field
}

func (c *queueCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &queueCore{LevelEnabler: c.LevelEnabler, queue: c.queue, fields: merged}
}

func (c *queueCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *queueCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	all := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	all = append(all, c.fields...)
	all = append(all, fields...)
	c.queue.Push(Record{
		Level:   ent.Level,
		Source:  ent.LoggerName,
		Time:    ent.Time,
		Message: ent.Message,
		Fields:  all,
	})
	return nil
}

func (c *queueCore) Sync() error {
	return nil
}
