package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn")

	log.Info("hidden")
	log.Infof("hidden %d", 1)
	log.Warnf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
}

func TestAuditAlwaysVisible(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn").With("component", "reconciler")

	log.Audit(false, "usage corrected", "strategy", 7)
	log.Audit(true, "expiring position left open")

	out := buf.String()
	assert.Contains(t, out, "level=WARN msg=\"usage corrected\" component=reconciler strategy=7 audit=true")
	assert.Contains(t, out, "level=ERROR msg=\"expiring position left open\" component=reconciler audit=true")
}
