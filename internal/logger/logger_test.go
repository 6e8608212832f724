package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredLineCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Warn("bridge drop", "class", "market_data", "instrument", "NAS100", "dropped", 3)

	out := buf.String()
	assert.Contains(t, out, "bridge drop")
	assert.Contains(t, out, "class=market_data")
	assert.Contains(t, out, "instrument=NAS100")
	assert.Contains(t, out, "dropped=3")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer func() {
		SetLevel("info")
		SetOutput(os.Stdout)
	}()

	SetLevel("warn")
	Infof("hidden %d", 1)
	Debugf("hidden %d", 2)
	Errorf("shown %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 3")
}

func TestSetFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	SetFormat("json", &buf)
	defer SetFormat("text", os.Stdout)

	Info("signal transition", "from", "PENDING", "to", "TRIGGERED")
	assert.Contains(t, buf.String(), `"to":"TRIGGERED"`)
}
