package cli

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordserv/internal/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ordserv", cmd.Use)
	assert.Contains(t, cmd.Long, "tracepoints")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{{"serve"}, {"schedule", "validate"}, {"trace"}, {"tp"}}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	listenFlag := serveCmd.Flags().Lookup("listen")
	require.NotNil(t, listenFlag)
	assert.Contains(t, listenFlag.DefValue, "127.0.0.1:15045")

	for _, name := range []string{"schedule", "watch", "db", "exclusive-ids", "queue-size"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), "serve --%s", name)
	}
}

func TestTraceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	traceCmd, _, err := cmd.Find([]string{"trace"})
	require.NoError(t, err)

	dbFlag := traceCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	// --db is required, so default is empty
	assert.Equal(t, "", dbFlag.DefValue)
}

func TestTracepointCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	tpCmd, _, err := cmd.Find([]string{"tp"})
	require.NoError(t, err)

	idFlag := tpCmd.Flags().Lookup("id")
	require.NotNil(t, idFlag)
	assert.Equal(t, "-1", idFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "yaml", "schedule", "validate", "x.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewLogger_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, buf)

	logger.Info("hidden")
	logger.Warn("shown", "client_id", 3)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"client_id":3`)
}

// configProbe is a throwaway command exercising loadConfig.
func configProbe(opts *RootOptions) (*cobra.Command, *config.Config) {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := opts.loadConfig(cmd, map[string]string{"client.port": "port"})
			if err != nil {
				return err
			}
			*cfg = *loaded
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd, cfg
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordserv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  port: 2000\n  wait_timeout: 250\nlog:\n  level: warn\n"), 0o644))

	t.Run("file over defaults", func(t *testing.T) {
		cmd, cfg := configProbe(&RootOptions{Format: "text", ConfigFile: path})
		cmd.SetArgs(nil)
		require.NoError(t, cmd.Execute())
		assert.Equal(t, 2000, cfg.Client.Port)
		assert.Equal(t, 250, cfg.Client.WaitTimeoutMs)
		assert.Equal(t, "warn", cfg.Log.Level)
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("ORDSERV_PORT", "3000")
		cmd, cfg := configProbe(&RootOptions{Format: "text", ConfigFile: path})
		cmd.SetArgs(nil)
		require.NoError(t, cmd.Execute())
		assert.Equal(t, 3000, cfg.Client.Port)
	})

	t.Run("flag over env", func(t *testing.T) {
		t.Setenv("ORDSERV_PORT", "3000")
		cmd, cfg := configProbe(&RootOptions{Format: "text", ConfigFile: path})
		cmd.SetArgs([]string{"--port", "4000"})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, 4000, cfg.Client.Port)
	})

	t.Run("verbose forces debug", func(t *testing.T) {
		cmd, cfg := configProbe(&RootOptions{Format: "text", ConfigFile: path, Verbose: true})
		cmd.SetArgs(nil)
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "debug", cfg.Log.Level)
	})
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cmd, _ := configProbe(&RootOptions{Format: "text", ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")})
	cmd.SetArgs(nil)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("ORDSERV_LOG_LEVEL", "loud")
	cmd, _ := configProbe(&RootOptions{Format: "text"})
	cmd.SetArgs(nil)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "log.level")
}
