package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    command
		wantErr bool
	}{
		{"default up", nil, command{name: "up"}, false},
		{"up", []string{"up"}, command{name: "up"}, false},
		{"version", []string{"version"}, command{name: "version"}, false},
		{"down steps", []string{"down", "2"}, command{name: "down", arg: 2}, false},
		{"force version", []string{"force", "3"}, command{name: "force", arg: 3}, false},
		{"down without steps", []string{"down"}, command{}, true},
		{"down zero", []string{"down", "0"}, command{}, true},
		{"force not a number", []string{"force", "x"}, command{}, true},
		{"unknown", []string{"drop"}, command{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
