package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ProgressMonitor receives progress from a transfer. IsCanceled is polled
// between frames; returning true aborts the transfer and discards the
// connection.
type ProgressMonitor interface {
	Start(totalWork int64)
	Stop()
	IsCanceled() bool
	StartSubTask(name string)
	Advance(work int64)
}

// NullMonitor ignores progress and never cancels.
type NullMonitor struct{}

func (NullMonitor) Start(int64)         {}
func (NullMonitor) Stop()               {}
func (NullMonitor) IsCanceled() bool    { return false }
func (NullMonitor) StartSubTask(string) {}
func (NullMonitor) Advance(int64)       {}

type contextMonitor struct {
	ProgressMonitor
	ctx context.Context
}

// ContextMonitor wraps inner so that it also reports canceled once ctx is
// done. A nil inner behaves like NullMonitor.
func ContextMonitor(ctx context.Context, inner ProgressMonitor) ProgressMonitor {
	if inner == nil {
		inner = NullMonitor{}
	}
	return &contextMonitor{ProgressMonitor: inner, ctx: ctx}
}

func (m *contextMonitor) IsCanceled() bool {
	return m.ctx.Err() != nil || m.ProgressMonitor.IsCanceled()
}

// LogMonitor reports progress through a logger at debug level, at most
// once per Interval.
type LogMonitor struct {
	Log      zerolog.Logger
	Interval time.Duration

	total   int64
	done    int64
	task    string
	started time.Time
	last    time.Time
}

func NewLogMonitor(logger zerolog.Logger) *LogMonitor {
	return &LogMonitor{Log: logger, Interval: time.Second}
}

func (m *LogMonitor) Start(totalWork int64) {
	m.total = totalWork
	m.done = 0
	m.started = time.Now()
	m.last = m.started
}

func (m *LogMonitor) Stop() {
	m.Log.Debug().
		Int64("bytes", m.done).
		Dur("elapsed", time.Since(m.started)).
		Msg("transfer finished")
}

func (m *LogMonitor) IsCanceled() bool { return false }

func (m *LogMonitor) StartSubTask(name string) {
	m.task = name
	m.Log.Debug().Str("path", name).Msg("transferring")
}

func (m *LogMonitor) Advance(work int64) {
	m.done += work
	if time.Since(m.last) < m.Interval {
		return
	}
	m.last = time.Now()
	ev := m.Log.Debug().Str("path", m.task).Int64("done", m.done)
	if m.total > 0 {
		ev = ev.Int64("total", m.total).Int64("percent", m.done*100/m.total)
	}
	ev.Msg("progress")
}
