package main

import (
	"fmt"
	"os"

	"github.com/hearth-dev/hearth/internal/config"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/storage"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the node's home directory and keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initNode()
		},
	}
}

func initNode() error {
	if err := config.Initialize(); err != nil {
		return errs.Wrap(errs.ConfigError, "load configuration", err)
	}
	home := config.HomeDir()
	if err := os.MkdirAll(home, 0o700); err != nil {
		return errs.Wrap(errs.ConfigError, "create home directory", err)
	}

	keystore := nid.NewKeystore(afero.NewOsFs(), config.KeysPath())
	signer, err := keystore.Init(config.GetString("passphrase"))
	if err != nil {
		return errs.Wrap(errs.ConfigError, "initialize keystore", err)
	}
	if _, err := storage.Open(config.StoragePath()); err != nil {
		return err
	}

	fmt.Printf("initialized %s\n", home)
	fmt.Printf("node id: %s\n", signer.PublicKey().Did())
	return nil
}
