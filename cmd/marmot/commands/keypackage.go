package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parres-hq/marmot"
)

func keyPackageCmd() *cobra.Command {
	var relays []string

	cmd := &cobra.Command{
		Use:   "key-package",
		Short: "Mint a key package event for publication",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := session.CreateKeyPackage(relays)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(kp.Event, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&relays, "relay", nil, "relay hint (repeatable)")

	parse := &cobra.Command{
		Use:   "parse <encoded>",
		Short: "Validate an encoded key package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := marmot.ParseKeyPackage(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("pubkey:      %s\nciphersuite: %s\nref:         %s\n",
				info.PubKey, info.CipherSuite, info.Ref)
			return nil
		},
	}
	cmd.AddCommand(parse)
	return cmd
}
