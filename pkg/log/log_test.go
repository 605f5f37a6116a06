package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &m))
	return m
}

func TestWithComponentChainsLevels(t *testing.T) {
	buf := initBuffer(t)

	WithComponent("scheduler").Info().Str("package", "dev-libs/openssl").Msg("work assigned")

	m := lastLine(t, buf)
	assert.Equal(t, "scheduler", m["component"])
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "work assigned", m["message"])
}

func TestContextHelpersAttachFields(t *testing.T) {
	buf := initBuffer(t)

	WithDrone("d1").Warn().Msg("no heartbeat")
	m := lastLine(t, buf)
	assert.Equal(t, "d1", m["drone_id"])

	WithPackage("sys-devel/gcc").Debug().Msg("candidate skipped")
	m = lastLine(t, buf)
	assert.Equal(t, "sys-devel/gcc", m["package"])

	WithSession("s1").Error().Msg("rollup failed")
	m = lastLine(t, buf)
	assert.Equal(t, "s1", m["session_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("store").Info().Msg("suppressed")
	assert.Empty(t, buf.Bytes())

	WithComponent("store").Warn().Msg("emitted")
	assert.Contains(t, buf.String(), "emitted")
}
