package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beeldengeluid/dane-workflows/config"
)

const validYAML = `
LOGGING:
  NAME: dane-workflows
  DIR: %s
  LEVEL: INFO
TASK_SCHEDULER:
  BATCH_SIZE: 5
  BATCH_PREFIX: unittest
STATUS_HANDLER:
  TYPE: MemoryStatusHandler
DATA_PROVIDER:
  TYPE: ExampleDataProvider
  CONFIG:
    DOCUMENTS:
      - ID: doc-0
        URL: http://media/doc-0.mp4
PROC_ENV:
  TYPE: DANEEnvironment
  CONFIG:
    DANE_HOST: dane.example.org
    DANE_TASK_ID: ASR
    DANE_STATUS_DIR: %s
    DANE_MONITOR_INTERVAL: 30
    DANE_ES_HOST: es.example.org
    DANE_ES_PORT: 9200
    DANE_ES_INDEX: dane-index
    DANE_ES_QUERY_TIMEOUT: 20
    DANE_BATCH_PREFIX: unittest
EXPORTER:
  TYPE: ExampleExporter
STATUS_MONITOR:
  TYPE: SlackStatusMonitor
  CONFIG:
    WEBHOOK_URL: https://hooks.slack.example/services/x
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return writeConfig(t, sprintfYAML(dir, dir))
}

func sprintfYAML(logDir, statusDir string) string {
	return fmt.Sprintf(validYAML, logDir, statusDir)
}

func replaceFirst(s, old, new string) string {
	return strings.Replace(s, old, new, 1)
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := config.Load(validConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "dane-workflows", cfg.Logging.Name)
	assert.Equal(t, 5, cfg.TaskScheduler.BatchSize)
	assert.Equal(t, "MemoryStatusHandler", cfg.StatusHandler.Type)
	require.NotNil(t, cfg.StatusMonitor)
	assert.Equal(t, "SlackStatusMonitor", cfg.StatusMonitor.Type)

	var dane config.DANESettings
	require.NoError(t, cfg.ProcEnv.DecodeConfig(&dane))
	assert.Equal(t, "dane.example.org", dane.Host)
	assert.Equal(t, 9200, dane.ESPort)
	require.NoError(t, dane.Check())

	var mon config.MonitorSettings
	require.NoError(t, cfg.StatusMonitor.DecodeConfig(&mon))
	assert.Equal(t, "https://hooks.slack.example/services/x", mon.WebhookURL)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, sprintfYAML(dir, dir)+"\nTYPO_KEY: true\n")
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestDecodeConfigRejectsUnknownKeys(t *testing.T) {
	cfg, err := config.Load(validConfig(t))
	require.NoError(t, err)

	var handler config.StatusHandlerSettings
	// PROC_ENV block decoded as handler settings: all keys unknown
	assert.Error(t, cfg.ProcEnv.DecodeConfig(&handler))
}

func TestCheckValidationErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		mangle func(s string) string
	}{
		{"zero batch size", func(s string) string {
			return replaceFirst(s, "BATCH_SIZE: 5", "BATCH_SIZE: 0")
		}},
		{"bad log level", func(s string) string {
			return replaceFirst(s, "LEVEL: INFO", "LEVEL: LOUD")
		}},
		{"missing handler type", func(s string) string {
			return replaceFirst(s, "TYPE: MemoryStatusHandler", "TYPE: \"\"")
		}},
		{"missing batch prefix", func(s string) string {
			return replaceFirst(s, "BATCH_PREFIX: unittest", "BATCH_PREFIX: \"\"")
		}},
		{"missing log dir parent", func(s string) string {
			return replaceFirst(s, "DIR: "+dir, "DIR: /nonexistent/nope/logs")
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.mangle(sprintfYAML(dir, dir)))
			_, err := config.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestDANESettingsCheck(t *testing.T) {
	dir := t.TempDir()
	valid := config.DANESettings{
		Host: "dane.example.org", TaskID: "ASR", StatusDir: dir,
		MonitorInterval: 30, ESHost: "es.example.org", ESPort: 9200,
		ESIndex: "dane-index", ESQueryTimeout: 20, BatchPrefix: "x",
	}
	require.NoError(t, valid.Check())

	missingHost := valid
	missingHost.Host = ""
	assert.Error(t, missingHost.Check())

	badInterval := valid
	badInterval.MonitorInterval = 0
	assert.Error(t, badInterval.Check())

	missingDir := valid
	missingDir.StatusDir = filepath.Join(dir, "missing")
	assert.Error(t, missingDir.Check())
}
