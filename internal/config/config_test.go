package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
features:
  dims: 32
  ranking_path: /opt/ranking.txt
classifier:
  url: http://tf:8501/v1/models/apk:predict
  retry_delay: 250
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Features.Dims)
	assert.Equal(t, "/opt/ranking.txt", cfg.Features.RankingPath)
	assert.Equal(t, "smali", cfg.Features.SmaliDirName)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Classifier.RetryDelayDuration())
	assert.Equal(t, 30*time.Second, cfg.Classifier.TimeoutDuration())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CLASSIFIER_URL", "http://env-model/predict")
	path := writeConfig(t, "features:\n  dims: 16\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env-model/predict", cfg.Classifier.URL)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "features:\n  dims: 0\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "database:\n  type: postgres\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.Features.Dims)
	assert.Equal(t, int64(200)<<20, cfg.Upload.MaxBytes())
	assert.Equal(t, "apk_scan_queue", cfg.RabbitMQ.Queue)
}

func TestInitLogger(t *testing.T) {
	logger := InitLogger(&LogConfig{Level: "warn", Format: "json"})
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	fallback := InitLogger(&LogConfig{Level: "loud"})
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
	_, ok = fallback.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}
