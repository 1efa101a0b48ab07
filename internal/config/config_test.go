package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvString(t *testing.T) {
	assert.Equal(t, "fallback", getEnvString("TASKPILOT_TEST_UNSET", "fallback"))

	t.Setenv("TASKPILOT_TEST_STR", "value")
	assert.Equal(t, "value", getEnvString("TASKPILOT_TEST_STR", "fallback"))

	// An empty value still counts as set.
	t.Setenv("TASKPILOT_TEST_STR", "")
	assert.Equal(t, "", getEnvString("TASKPILOT_TEST_STR", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	assert.Equal(t, 7, getEnvInt("TASKPILOT_TEST_UNSET", 7))

	t.Setenv("TASKPILOT_TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("TASKPILOT_TEST_INT", 7))

	t.Setenv("TASKPILOT_TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvInt("TASKPILOT_TEST_INT", 7))
}

func TestGetEnvDuration(t *testing.T) {
	assert.Equal(t, time.Minute, getEnvDuration("TASKPILOT_TEST_UNSET", time.Minute))

	t.Setenv("TASKPILOT_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TASKPILOT_TEST_DUR", time.Minute))

	t.Setenv("TASKPILOT_TEST_DUR", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("TASKPILOT_TEST_DUR", time.Minute))
}
