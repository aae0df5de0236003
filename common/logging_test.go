package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOutputSplitter_Write tests the output stream routing
func TestOutputSplitter_Write(t *testing.T) {
	t.Run("error messages are accepted", func(t *testing.T) {
		splitter := &OutputSplitter{}
		msg := []byte(`time="2024-01-15T10:30:00Z" level=error msg="load failed"` + "\n")

		n, err := splitter.Write(msg)
		require.NoError(t, err)
		assert.Equal(t, len(msg), n)
	})

	t.Run("info messages are accepted", func(t *testing.T) {
		splitter := &OutputSplitter{}
		msg := []byte(`time="2024-01-15T10:30:00Z" level=info msg="run finished"` + "\n")

		n, err := splitter.Write(msg)
		require.NoError(t, err)
		assert.Equal(t, len(msg), n)
	})
}

// TestComponentLogger tests component field scoping
func TestComponentLogger(t *testing.T) {
	entry := ComponentLogger("scheduler")
	require.NotNil(t, entry)
	assert.Equal(t, "scheduler", entry.Data["component"])
}

// TestSetLevel tests textual level configuration
func TestSetLevel(t *testing.T) {
	defer Logger.SetLevel(logrus.InfoLevel)

	t.Run("valid level", func(t *testing.T) {
		SetLevel("debug")
		assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		SetLevel("verbose")
		assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
	})
}
