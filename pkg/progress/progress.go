// Package progress reports the state of long running dataset builds. A
// build emits one event per phase transition plus periodic counts, so an
// operator can follow a build from logs or a queue subscriber.
package progress

import (
	"time"

	"github.com/arbor-rag/arbor/pkg/logger"
)

// Phase names one stage of a build.
type Phase string

const (
	PhaseChunking    Phase = "chunking"
	PhaseExtracting  Phase = "extracting"
	PhaseEmbedding   Phase = "embedding"
	PhaseIndexing    Phase = "indexing"
	PhaseCommunities Phase = "communities"
	PhasePersisting  Phase = "persisting"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// Event is one progress report.
type Event struct {
	Dataset   string    `json:"dataset"`
	Version   string    `json:"version"`
	Phase     Phase     `json:"phase"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Warning   string    `json:"warning,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter receives build events. Implementations must tolerate being
// called from multiple goroutines.
type Emitter interface {
	Emit(event Event)
}

// LogEmitter writes events to the process log.
type LogEmitter struct{}

func (LogEmitter) Emit(event Event) {
	if event.Warning != "" {
		logger.Warn("build progress",
			"dataset", event.Dataset,
			"version", event.Version,
			"phase", event.Phase,
			"warning", event.Warning,
		)
		return
	}
	logger.Info("build progress",
		"dataset", event.Dataset,
		"version", event.Version,
		"phase", event.Phase,
		"processed", event.Processed,
		"total", event.Total,
	)
}

// Discard drops all events. Used by tests and the query CLI.
type Discard struct{}

func (Discard) Emit(Event) {}

// Multi fans events out to several emitters.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
