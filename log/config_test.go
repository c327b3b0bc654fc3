/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-tasklimit/config"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgData     string
		expectedCfg func() *Config
		expectedErr string
	}{
		{
			name:    "defaults",
			cfgData: `log: {}`,
			expectedCfg: func() *Config {
				return NewDefaultConfig()
			},
		},
		{
			name: "file output",
			cfgData: `
log:
  level: DEBUG
  format: text
  output: file
  addCaller: true
  file:
    path: tasklimit.log
    rotation:
      compress: true
      maxSize: 100M
      maxBackups: 3
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Level = LevelDebug
				cfg.Format = FormatText
				cfg.Output = OutputFile
				cfg.AddCaller = true
				cfg.File.Path = "tasklimit.log"
				cfg.File.Rotation.Compress = true
				cfg.File.Rotation.MaxSize = 100 * 1024 * 1024
				cfg.File.Rotation.MaxBackups = 3
				return cfg
			},
		},
		{
			name:        "unknown level",
			cfgData:     `log: {level: verbose}`,
			expectedErr: `log.level: unknown value "verbose", should be one of [error warn info debug]`,
		},
		{
			name:        "file output without path",
			cfgData:     `log: {output: file}`,
			expectedErr: `log.file.path: cannot be empty when "file" output is used`,
		},
		{
			name:        "too small rotation size",
			cfgData:     `log: {file: {rotation: {maxSize: 1K}}}`,
			expectedErr: `log.file.rotation.maxSize: should be >= 1M`,
		},
		{
			name:        "too few backups",
			cfgData:     `log: {file: {rotation: {maxBackups: 0}}}`,
			expectedErr: `log.file.rotation.maxBackups: should be >= 1`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("")
			err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
				bytes.NewBufferString(tt.cfgData), config.DataTypeYAML, cfg)
			if tt.expectedErr != "" {
				require.EqualError(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			expected := tt.expectedCfg()
			expected.keyPrefix = cfg.keyPrefix
			require.Equal(t, expected, cfg)
		})
	}
}
