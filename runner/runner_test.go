package runner

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/beeldengeluid/dane-workflows/config"
)

func testLogger() *logharbour.Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return logharbour.NewLogger(lctx, "runner-test", log.Writer())
}

func loadConfig(t *testing.T, text string) *config.Config {
	t.Helper()
	var cfg config.Config
	dec := yaml.NewDecoder(strings.NewReader(text))
	dec.KnownFields(true)
	require.NoError(t, dec.Decode(&cfg))
	return &cfg
}

const exampleConfigYAML = `
LOGGING:
  NAME: runner-test
  DIR: /tmp
  LEVEL: DEBUG
TASK_SCHEDULER:
  BATCH_SIZE: 2
  BATCH_PREFIX: unit-test
STATUS_HANDLER:
  TYPE: MemoryStatusHandler
DATA_PROVIDER:
  TYPE: ExampleDataProvider
  CONFIG:
    DOCUMENTS:
      - ID: doc-1
        URL: http://data.example.com/doc-1
      - ID: doc-2
        URL: http://data.example.com/doc-2
      - ID: doc-3
        URL: http://data.example.com/doc-3
PROC_ENV:
  TYPE: ExampleDataProcessingEnvironment
EXPORTER:
  TYPE: ExampleExporter
`

func TestNewBuildsExamplePipeline(t *testing.T) {
	r, err := New(context.Background(), loadConfig(t, exampleConfigYAML), testLogger())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Nil(t, r.statusMonitor)

	require.NoError(t, r.Run(context.Background()))
}

func TestNewUnknownTypes(t *testing.T) {
	tests := []struct {
		name    string
		mangle  func(*config.Config)
		wantErr string
	}{
		{
			name:    "status handler",
			mangle:  func(c *config.Config) { c.StatusHandler.Type = "EtherealStatusHandler" },
			wantErr: `unknown STATUS_HANDLER.TYPE "EtherealStatusHandler"`,
		},
		{
			name:    "data provider",
			mangle:  func(c *config.Config) { c.DataProvider.Type = "NoSuchProvider" },
			wantErr: `unknown DATA_PROVIDER.TYPE "NoSuchProvider"`,
		},
		{
			name:    "processing environment",
			mangle:  func(c *config.Config) { c.ProcEnv.Type = "NoSuchEnvironment" },
			wantErr: `unknown PROC_ENV.TYPE "NoSuchEnvironment"`,
		},
		{
			name:    "exporter",
			mangle:  func(c *config.Config) { c.Exporter.Type = "NoSuchExporter" },
			wantErr: `unknown EXPORTER.TYPE "NoSuchExporter"`,
		},
		{
			name: "status monitor",
			mangle: func(c *config.Config) {
				c.StatusMonitor = &config.Component{Type: "NoSuchMonitor"}
			},
			wantErr: `unknown STATUS_MONITOR.TYPE "NoSuchMonitor"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t, exampleConfigYAML)
			tt.mangle(cfg)
			_, err := New(context.Background(), cfg, testLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewDatabaseStatusHandlerRequiresConnURL(t *testing.T) {
	cfg := loadConfig(t, exampleConfigYAML)
	cfg.StatusHandler = config.Component{Type: "DatabaseStatusHandler"}
	_, err := New(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_CONN_URL")
}

func TestNewSlackMonitorRequiresWebhookURL(t *testing.T) {
	cfg := loadConfig(t, exampleConfigYAML)
	cfg.StatusMonitor = &config.Component{Type: "SlackStatusMonitor"}
	_, err := New(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_URL")
}

func TestNewDANEEnvironment(t *testing.T) {
	daneYAML := fmt.Sprintf(`
TYPE: DANEEnvironment
CONFIG:
  DANE_HOST: dane.example.com
  DANE_TASK_ID: ASR
  DANE_STATUS_DIR: %s
  DANE_MONITOR_INTERVAL: 5
  DANE_ES_HOST: es.example.com
  DANE_ES_PORT: 9200
  DANE_ES_INDEX: dane-index
  DANE_ES_QUERY_TIMEOUT: 10
  DANE_BATCH_PREFIX: unit-test
`, t.TempDir())

	cfg := loadConfig(t, exampleConfigYAML)
	var comp config.Component
	require.NoError(t, yaml.Unmarshal([]byte(daneYAML), &comp))
	cfg.ProcEnv = comp

	r, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestRunSendsStatusReport(t *testing.T) {
	received := make(chan string, 1)
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	monitorYAML := fmt.Sprintf(`
TYPE: SlackStatusMonitor
CONFIG:
  WEBHOOK_URL: %s
`, webhook.URL)

	cfg := loadConfig(t, exampleConfigYAML)
	var comp config.Component
	require.NoError(t, yaml.Unmarshal([]byte(monitorYAML), &comp))
	cfg.StatusMonitor = &comp

	r, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	select {
	case body := <-received:
		assert.Contains(t, body, "Pipeline status")
	default:
		t.Fatal("expected a status report on the webhook")
	}
}
