package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverrides(t *testing.T) {
	assert.Empty(t, (&Options{}).overrides())

	opts := Options{Address: ":9000", UDPPort: 9999, Serial: "auto", Trace: true}
	assert.Equal(t, map[string]any{
		"server":  map[string]any{"address": ":9000"},
		"command": map[string]any{"udp_port": 9999, "sink": "serial", "serial": map[string]any{"port": "auto"}},
		"tracing": map[string]any{"enabled": true},
	}, opts.overrides())
}
