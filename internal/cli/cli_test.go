package cli

import (
	"bytes"
	"net"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/harun/tandem/internal/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// writeConfig saves a valid config under a temp dir and returns its path.
func writeConfig(t *testing.T, mutate func(cfg *config.Config)) string {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Logging.Console = false
	if mutate != nil {
		mutate(cfg)
	}

	path := filepath.Join(dir, "tandem.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path
}

// pointAt sets the gateway address of cfg to the test server's.
func pointAt(t *testing.T, ts *httptest.Server) func(cfg *config.Config) {
	t.Helper()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return func(cfg *config.Config) {
		cfg.Gateway.Host = host
		cfg.Gateway.Port = port
	}
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWithInput(t, "", args...)
}

func executeWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs(args)
	t.Cleanup(func() {
		cfgFile = ""
		logLevel = ""
	})

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags clears help and version flags left set by an earlier Execute.
func resetFlags(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	}
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
