package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitlab.elettra.eu/cs/inau/pkg/client"
)

var installCmd = &cobra.Command{
	Use:   "install REPOSITORY TAG",
	Short: "Install a built tag on the facility file servers",
	Long: `Install asks a running inau server to deliver the latest successful
build of REPOSITORY at TAG. Without flags the installation is global;
--facility narrows it to one facility and --host to a single machine.

The request authenticates with HTTP Basic against the catalog users.
The password is read from --password or the INAU_PASSWORD environment
variable.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, _ := cmd.Flags().GetString("api")
		facility, _ := cmd.Flags().GetString("facility")
		host, _ := cmd.Flags().GetString("host")
		user, _ := cmd.Flags().GetString("user")
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			password = os.Getenv("INAU_PASSWORD")
		}
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		if host != "" && facility == "" {
			return fmt.Errorf("--host requires --facility")
		}

		c := client.NewWithBasicAuth(api, user, password)
		records, err := c.Install(cmd.Context(), client.InstallRequest{
			Repository: args[0],
			Tag:        args[1],
			Facility:   facility,
			Host:       host,
		})
		if err != nil {
			return err
		}

		for _, r := range records {
			fmt.Printf("%s %s installed on %s (%s)\n", r.Repository, r.Tag, r.Host, r.Facility)
		}
		fmt.Printf("%d host(s) updated\n", len(records))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().String("api", "http://localhost:8013", "base URL of the inau API")
	installCmd.Flags().String("facility", "", "restrict the installation to one facility")
	installCmd.Flags().String("host", "", "restrict the installation to one host of --facility")
	installCmd.Flags().String("user", os.Getenv("USER"), "catalog user requesting the installation")
	installCmd.Flags().String("password", "", "password (defaults to INAU_PASSWORD)")
}
