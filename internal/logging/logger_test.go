package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lms-sync.log")

	logger, err := NewLogger(Config{Level: "debug", OutputFile: path, JSONFormat: true})
	require.NoError(t, err)
	defer logger.Close()

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	logger.WithField("stage", "sync").Info("stage finished")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage":"sync"`)
	assert.Contains(t, string(data), `"msg":"stage finished"`)
}

func TestNewLoggerRotatesLargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lms-sync.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 64)), 0644))

	logger, err := NewLogger(Config{OutputFile: path, MaxSize: 32})
	require.NoError(t, err)
	defer logger.Close()

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Len(t, backup, 64)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	logger, err := NewLogger(Config{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
