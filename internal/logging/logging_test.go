package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  logrus.Level
	}{
		{"info", false, logrus.InfoLevel},
		{"warn", false, logrus.WarnLevel},
		{"warn", true, logrus.DebugLevel},
		{"trace", true, logrus.TraceLevel},
		{"error", false, logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, err := New(tt.level, tt.debug, &bytes.Buffer{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, log.GetLevel())
		})
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("loud", false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestNew_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("info", false, &buf)
	require.NoError(t, err)

	log.WithField("window", 12).Warn("skipping window")

	out := buf.String()
	assert.Contains(t, out, "skipping window")
	assert.Contains(t, out, "window=12")
}

func TestDiscard(t *testing.T) {
	log := Discard()
	log.Error("nothing to see")
	assert.Equal(t, logrus.PanicLevel, log.GetLevel())
}
