//go:build integration

package integration_test

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-viper/mapstructure/v2"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
	"gopkg.in/yaml.v3"

	"github.com/p2pdesk/exchange-client/internal/config"
	"github.com/p2pdesk/exchange-client/internal/dbtest/valkeytest"
)

type closeFunc func(ctx context.Context)

type infraStat struct {
	ValKey         valkey.Client
	ConfigFilePath string
	Procdir        string
	Cfg            config.Config

	closeFuncs []closeFunc
}

func initInfra(t *testing.T, name string) (istat infraStat) {
	t.Helper()

	// the binary reads $PWD/config.yaml, so every test runs in its own directory
	wd, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")
	istat.Procdir = filepath.Join(wd, name+"-test")
	istat.ConfigFilePath = filepath.Join(istat.Procdir, "config.yaml")

	err = os.MkdirAll(istat.Procdir, fs.ModePerm)
	require.NoError(t, err, "failed to create a dir for the process")

	err = os.WriteFile(istat.ConfigFilePath, []byte(validConfig), fs.ModePerm)
	require.NoError(t, err, "failed to write config file")

	err = commoncfg.LoadConfig(&istat.Cfg, nil, istat.Procdir)
	require.NoError(t, err, "failed to load config")

	return istat
}

func (istat *infraStat) PrepareValKey(t *testing.T) {
	t.Helper()

	instance, terminate := valkeytest.Start(t.Context())

	istat.ValKey = instance.Client
	istat.closeFuncs = append(istat.closeFuncs, terminate)

	istat.Cfg.Credentials.ValKey.Host = commoncfg.SourceRef{Source: "embedded", Value: instance.Addr}
	istat.Cfg.Credentials.ValKey.User = commoncfg.SourceRef{Source: "embedded", Value: ""}
	istat.Cfg.Credentials.ValKey.Password = commoncfg.SourceRef{Source: "embedded", Value: ""}
}

// PrepareConfig writes the config used by the binary into ConfigFilePath.
func (istat *infraStat) PrepareConfig(t *testing.T) {
	t.Helper()

	cfgMap := make(map[any]any)
	err := mapstructure.Decode(istat.Cfg, &cfgMap)
	require.NoError(t, err, "failed to decode config")

	configFile, err := os.Create(istat.ConfigFilePath)
	require.NoError(t, err, "failed to create config file")

	err = yaml.NewEncoder(configFile).Encode(cfgMap)
	require.NoError(t, err, "failed to write config")
	configFile.Close()
}

// Run executes one subcommand of the binary in Procdir.
func (istat *infraStat) Run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := exec.CommandContext(t.Context(), filepath.Join("..", binary), append(args, "--graceful-shutdown", "0s")...)
	cmd.Dir = istat.Procdir
	output, err := cmd.CombinedOutput()

	return string(output), err
}

func (istat *infraStat) Close(ctx context.Context) {
	os.Remove(istat.ConfigFilePath)
	os.RemoveAll(istat.Procdir)

	for _, close := range istat.closeFuncs {
		close(ctx)
	}
}
