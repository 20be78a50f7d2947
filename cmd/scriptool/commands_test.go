package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadScript(t *testing.T) {
	file := filepath.Join(t.TempDir(), "s.lua")
	require.NoError(t, os.WriteFile(file, []byte("return 'file'"), 0o644))

	tests := []struct {
		name    string
		stdin   string
		expr    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "eval", expr: "return 1", want: "return 1"},
		{name: "eval and file", expr: "return 1", args: []string{file}, wantErr: true},
		{name: "stdin by default", stdin: "return 'in'", want: "return 'in'"},
		{name: "stdin by dash", stdin: "return 'dash'", args: []string{"-"}, want: "return 'dash'"},
		{name: "file", args: []string{file}, want: "return 'file'"},
		{name: "missing file", args: []string{filepath.Join(t.TempDir(), "nope.lua")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readScript(strings.NewReader(tt.stdin), tt.expr, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
