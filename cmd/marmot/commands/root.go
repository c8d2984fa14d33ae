package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/parres-hq/marmot"
)

// envConfig is the MARMOT_* environment configuration; flags override it.
type envConfig struct {
	HomeDir    string `envconfig:"HOME_DIR"`
	Identity   string `envconfig:"IDENTITY"`
	Passphrase string `envconfig:"PASSPHRASE"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"warn"`
}

var (
	homeDir    string
	identity   string
	passphrase string

	session *marmot.Session
)

func Execute() error {
	var env envConfig
	if err := envconfig.Process("marmot", &env); err != nil {
		return err
	}

	root := &cobra.Command{
		Use:           "marmot",
		Short:         "Encrypted group conversation manager",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if homeDir == "" {
				homeDir = env.HomeDir
			}
			if homeDir == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				homeDir = filepath.Join(dir, ".marmot")
			}
			if identity == "" {
				identity = env.Identity
			}
			if identity == "" {
				return fmt.Errorf("identity required (--identity or MARMOT_IDENTITY)")
			}
			if passphrase == "" {
				passphrase = env.Passphrase
			}

			log := logrus.New()
			level, err := logrus.ParseLevel(env.LogLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)

			pk, err := marmot.ParsePublicKey(identity)
			if err != nil {
				return err
			}
			session, err = marmot.Init(marmot.Config{
				StoragePath: homeDir,
				Identity:    pk,
				Passphrase:  passphrase,
				Logger:      log,
			})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if session != nil {
				return session.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&homeDir, "home", "", "state dir (default ~/.marmot)")
	root.PersistentFlags().StringVar(&identity, "identity", "", "local public key (64 hex chars)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase for storage encryption")

	root.AddCommand(keyPackageCmd(), createGroupCmd(), groupsCmd(), membersCmd(), exportCmd())
	return root.Execute()
}
