package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level logrus.Level) (Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := logrus.New()
	l.SetOutput(buf)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{})
	return NewLogrusLogger(l), buf
}

func TestLogrusLogger_Levels(t *testing.T) {
	logger, buf := newBufferLogger(logrus.InfoLevel)

	logger.Debug("should be suppressed")
	assert.Empty(t, buf.String())

	logger.Infof("user %s online", "u1")
	assert.Contains(t, buf.String(), "user u1 online")
}

func TestLogrusLogger_WithFields(t *testing.T) {
	logger, buf := newBufferLogger(logrus.InfoLevel)

	logger.WithFields(map[string]interface{}{
		"conn_id": "c1",
		"user_id": "u1",
	}).Info("connection registered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "c1", entry["conn_id"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "connection registered", entry["msg"])
}

func TestNopLogger_Silent(t *testing.T) {
	// NopLogger 的所有方法都不应 panic
	var l Logger = NopLogger{}
	l.Debug("x")
	l.Infof("x %d", 1)
	l.WithField("k", "v").WithError(nil).WithContext(context.Background()).Error("x")
}

func TestInitialize_LevelParsing(t *testing.T) {
	err := Initialize(&Config{Level: "DEBUG", Format: "text"})
	require.NoError(t, err)

	// 非法级别回退到 info，不报错
	err = Initialize(&Config{Level: "nonsense", Format: "json"})
	require.NoError(t, err)
}

func TestSetDefault(t *testing.T) {
	old := Default()
	defer SetDefault(old)

	logger, buf := newBufferLogger(logrus.InfoLevel)
	SetDefault(logger)

	Infof("hello %s", "world")
	assert.True(t, strings.Contains(buf.String(), "hello world"))
}
