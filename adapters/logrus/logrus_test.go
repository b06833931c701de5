package logrusadapter

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusLogger(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	l := New(base).WithFields(logrus.Fields{"rule": "/api"})
	l.Debugf("allowed %s", "k")
	l.Errorf("failed")

	require.Len(t, hook.Entries, 2)
	assert.Equal(t, logrus.DebugLevel, hook.Entries[0].Level)
	assert.Equal(t, "allowed k", hook.Entries[0].Message)
	assert.Equal(t, "route-limiter", hook.Entries[0].Data["component"])
	assert.Equal(t, "/api", hook.Entries[0].Data["rule"])
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestLogrusLogger_RespectsLevel(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.InfoLevel)

	New(base).Debugf("hidden")

	assert.Empty(t, hook.Entries)
}
