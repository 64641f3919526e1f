// Package logging configures the process-wide zerolog logger and provides the
// dispatcher's structured op trace, generalizing tunnelmesh's setupLogging (global level,
// console writer to stderr) and the teacher's cache/trace.go (which followed a pointer-block
// trace step by step) into a log of an op's own parked/resumed steps through the queue.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger's level and writer. levelName is parsed with
// zerolog.ParseLevel; an unrecognized or empty value falls back to Info, matching
// setupLogging's tolerant default.
func Setup(levelName string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// OpTracer emits structured "op parked / op resumed" events as the dispatcher walks the
// submission queue, the engine's analogue of a block trace: instead of following pointer
// blocks to a leaf, it follows one op through WAIT/dispatch cycles to completion.
type OpTracer struct {
	logger zerolog.Logger
}

// NewOpTracer returns a tracer writing through the global logger, tagged with the
// "component" field so op traces can be filtered independently of other engine logs.
func NewOpTracer() OpTracer {
	return NewOpTracerWith(log.Logger)
}

// NewOpTracerWith returns a tracer writing through logger instead of the global one,
// useful for tests that need to capture output on a specific writer.
func NewOpTracerWith(logger zerolog.Logger) OpTracer {
	return OpTracer{logger: logger.With().Str("component", "dispatcher").Logger()}
}

// NewOpTracerForWriter is a convenience wrapper for tests that only have an io.Writer.
func NewOpTracerForWriter(w io.Writer) OpTracer {
	return NewOpTracerWith(zerolog.New(w))
}

// Parked logs that opID (of the given opcode) was left at the head of the submission queue
// on reason, with detail carrying the wait's resource-specific payload (a version number,
// a byte count, etc, per queue.WaitReason).
func (t OpTracer) Parked(opID uint64, opcode string, reason string, detail uint64) {
	t.logger.Debug().
		Uint64("op_id", opID).
		Str("opcode", opcode).
		Str("wait_reason", reason).
		Uint64("wait_detail", detail).
		Msg("op parked")
}

// Resumed logs that opID was re-attempted after previously parking.
func (t OpTracer) Resumed(opID uint64, opcode string) {
	t.logger.Debug().
		Uint64("op_id", opID).
		Str("opcode", opcode).
		Msg("op resumed")
}

// Completed logs that opID finished, successfully or not.
func (t OpTracer) Completed(opID uint64, opcode string, err error) {
	ev := t.logger.Debug().Uint64("op_id", opID).Str("opcode", opcode)
	if err != nil {
		ev.Err(err).Msg("op failed")
		return
	}
	ev.Msg("op completed")
}
