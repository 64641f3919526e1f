package logging_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/blockstore/logging"
)

func TestSetupFallsBackToInfoOnUnknownLevel(t *testing.T) {
	requireT := require.New(t)

	logging.Setup("not-a-real-level")
	requireT.Equal(zerolog.InfoLevel, zerolog.GlobalLevel())

	logging.Setup("debug")
	requireT.Equal(zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestOpTracerParkedResumedCompleted(t *testing.T) {
	requireT := require.New(t)
	var buf bytes.Buffer
	tracer := logging.NewOpTracerForWriter(&buf)

	tracer.Parked(7, "WRITE", "JOURNAL", 512)
	requireT.Contains(buf.String(), "op parked")
	requireT.Contains(buf.String(), "JOURNAL")

	buf.Reset()
	tracer.Resumed(7, "WRITE")
	requireT.Contains(buf.String(), "op resumed")

	buf.Reset()
	tracer.Completed(7, "WRITE", nil)
	requireT.Contains(buf.String(), "op completed")

	buf.Reset()
	tracer.Completed(7, "WRITE", assert.AnError)
	requireT.Contains(buf.String(), "op failed")
}
