package commands

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/TheusHen/pqs/cmd/pqs/config"
)

var (
	configFile string
	cfg        *config.Config
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pqs",
		Short:        "Post-quantum secure sessions over QUIC datagrams",
		SilenceUsage: true,
	}
	root.PersistentPreRunE = loadConfig
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "TOML config file")

	root.AddCommand(keygenCmd(), listenCmd(), sendCmd(), versionCmd())
	return root
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configFile == "" {
		cfg, err = config.Load(nil)
		return err
	}
	cfg, err = config.LoadFile(configFile)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file %s not found", configFile)
	}
	return err
}
