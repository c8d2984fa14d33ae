package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/parres-hq/marmot"
)

func createGroupCmd() *cobra.Command {
	var (
		name        string
		description string
		members     []string
		keyPackages []string
		admins      []string
		relays      []string
	)

	cmd := &cobra.Command{
		Use:   "create-group",
		Short: "Create a group from published key packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			memberPKs := make([]marmot.PublicKey, 0, len(members))
			for _, m := range members {
				pk, err := marmot.ParsePublicKey(m)
				if err != nil {
					return err
				}
				memberPKs = append(memberPKs, pk)
			}
			adminPKs := make([]marmot.PublicKey, 0, len(admins))
			for _, a := range admins {
				pk, err := marmot.ParsePublicKey(a)
				if err != nil {
					return err
				}
				adminPKs = append(adminPKs, pk)
			}

			result, err := session.CreateGroup(marmot.CreateGroupParams{
				Name:              name,
				Description:       description,
				MemberPubkeys:     memberPKs,
				MemberKeyPackages: keyPackages,
				AdminPubkeys:      adminPKs,
				Relays:            relays,
			})
			if err != nil {
				return err
			}
			fmt.Printf("group id:  %s\nmembers:   %d\nwelcome:   %s\n",
				result.Group.GroupID, len(result.Group.Members), result.WelcomeRumor.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringVar(&description, "description", "", "group description")
	cmd.Flags().StringSliceVar(&members, "member", nil, "member public key (repeatable, pairs with --key-package)")
	cmd.Flags().StringSliceVar(&keyPackages, "key-package", nil, "member key package encoding (repeatable)")
	cmd.Flags().StringSliceVar(&admins, "admin", nil, "admin public key (repeatable)")
	cmd.Flags().StringSliceVar(&relays, "relay", nil, "relay url (repeatable)")
	return cmd
}

func groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List stored groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := session.GetGroups()
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Group ID", "Name", "Epoch", "Members", "Admins"})
			for _, g := range groups {
				table.Append([]string{
					g.GroupID.String(),
					g.Name,
					strconv.FormatUint(g.Epoch, 10),
					strconv.Itoa(len(g.Members)),
					strconv.Itoa(len(g.Admins)),
				})
			}
			table.Render()
			return nil
		},
	}
}

func membersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <group-id>",
		Short: "List the current members of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := marmot.ParseGroupID(args[0])
			if err != nil {
				return err
			}
			members, err := session.GetMembers(groupID)
			if err != nil {
				return err
			}
			for _, m := range members {
				fmt.Println(m)
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-secret <group-id>",
		Short: "Export the group's current epoch secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := marmot.ParseGroupID(args[0])
			if err != nil {
				return err
			}
			secret, err := session.ExportSecret(groupID)
			if err != nil {
				return err
			}
			fmt.Printf("epoch:  %d\nsecret: %s\n", secret.Epoch, secret.Hex())
			return nil
		},
	}
}
