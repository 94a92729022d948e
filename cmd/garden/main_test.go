package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/abelzeko/garden-controller/internal/config"
	"github.com/juju/loggo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestInstallCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "garden.db")
	cfgPath := writeConfig(t, "db:\n  path: "+dbPath+"\nlog:\n  level: warning\n")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"install", "--config", cfgPath})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "Database installed\n", out.String())
	assert.FileExists(t, dbPath)
}

func TestRootCommand_InvalidLogLevel(t *testing.T) {
	cfgPath := writeConfig(t, "db:\n  path: "+filepath.Join(t.TempDir(), "garden.db")+"\n")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"install", "--config", cfgPath, "--log-level", "chatty"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `log level "chatty"`)
}

func TestWaterCommand_Arguments(t *testing.T) {
	cfgPath := writeConfig(t, "db:\n  path: "+filepath.Join(t.TempDir(), "garden.db")+"\n")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"water", "basil", "100", "--config", cfgPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `plant id "basil"`)
}

func TestSetupLogging(t *testing.T) {
	defer loggo.ResetLogging()

	require.NoError(t, setupLogging(config.LogConfig{Level: "info"}))
	assert.Equal(t, loggo.INFO, loggo.GetLogger("garden.dispatcher").EffectiveLogLevel())

	logFile := filepath.Join(t.TempDir(), "garden.log")
	require.NoError(t, setupLogging(config.LogConfig{Level: "debug", File: logFile}))
	logger.Debugf("written to file")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
