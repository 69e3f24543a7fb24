package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
	assert.Equal(t, os.Stdout, logger.Out)
}

func TestNewLogger_Levels(t *testing.T) {
	tests := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"warn":    logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"ERROR":   logrus.ErrorLevel,
	}
	for input, expected := range tests {
		t.Run(input, func(t *testing.T) {
			logger, err := NewLogger(&LogConfig{Level: input, Format: "json", Output: "stderr"})
			require.NoError(t, err)
			assert.Equal(t, expected, logger.GetLevel())
			assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
		})
	}
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "loud", Format: "text", Output: "stdout"})
	assert.Error(t, err)

	_, err = NewLogger(&LogConfig{Level: "info", Format: "xml", Output: "stdout"})
	assert.Error(t, err)
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scan.log")
	logger, err := NewLogger(&LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.WithField("bucket", "0_8").Info("已保存合约")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"bucket":"0_8"`)
}

func TestFieldLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	BlockLogger(logger, 2, 999).Info("区块")
	TransactionLogger(logger, 999, "0xfeed").Info("交易")
	RPCLogger(logger, "eth_getCode", "https://api.etherscan.io").Info("调用")

	out := buf.String()
	assert.Contains(t, out, "block_number=999")
	assert.Contains(t, out, "worker=2")
	assert.Contains(t, out, "tx_hash=0xfeed")
	assert.Contains(t, out, "method=eth_getCode")
}
