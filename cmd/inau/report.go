package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"gitlab.elettra.eu/cs/inau/pkg/client"
)

var buildsCmd = &cobra.Command{
	Use:   "builds [ID]",
	Short: "List builds or show one build with its artifacts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, _ := cmd.Flags().GetString("api")
		c := client.New(api)

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid build id %q", args[0])
			}
			return showBuild(cmd, c, id)
		}

		repository, _ := cmd.Flags().GetString("repository")
		tag, _ := cmd.Flags().GetString("tag")
		limit, _ := cmd.Flags().GetInt("limit")

		builds, err := c.Builds(cmd.Context(), repository, tag, limit)
		if err != nil {
			return err
		}
		fmt.Printf("%-8s %-20s %-8s %-10s %-24s %s\n",
			"ID", "DATE", "REPO", "PLATFORM", "TAG", "STATUS")
		for _, b := range builds {
			fmt.Printf("%-8d %-20s %-8d %-10d %-24s %s\n",
				b.ID, b.Date.Format("2006-01-02 15:04:05"),
				b.RepositoryID, b.PlatformID, b.Tag, b.Status)
		}
		return nil
	},
}

func showBuild(cmd *cobra.Command, c *client.Client, id int64) error {
	build, err := c.Build(cmd.Context(), id)
	if err != nil {
		return err
	}
	artifacts, err := c.BuildArtifacts(cmd.Context(), id)
	if err != nil {
		return err
	}

	fmt.Printf("Build %d\n", build.ID)
	fmt.Printf("  Repository: %d\n", build.RepositoryID)
	fmt.Printf("  Platform:   %d\n", build.PlatformID)
	fmt.Printf("  Tag:        %s\n", build.Tag)
	fmt.Printf("  Date:       %s\n", build.Date.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Status:     %s\n", build.Status)
	fmt.Printf("  Artifacts:  %d\n", len(artifacts))
	for _, a := range artifacts {
		if a.IsSymlink() {
			fmt.Printf("    %s -> %s\n", a.Filename, *a.SymlinkTarget)
			continue
		}
		fmt.Printf("    %s (%.12s)\n", a.Filename, *a.Hash)
	}
	if build.Output != "" {
		fmt.Printf("\n%s\n", build.Output)
	}
	return nil
}

var installationsCmd = &cobra.Command{
	Use:   "installations",
	Short: "Report installations across the facility",
	Long: `Installations reports what is installed where. Mode "status" lists
the current installation of every (host, repository) pair, "diff" only
the per-facility and per-host deviations from the global state, and
"history" every delivery ever recorded, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		api, _ := cmd.Flags().GetString("api")
		mode, _ := cmd.Flags().GetString("mode")

		reports, err := client.New(api).Installations(cmd.Context(), mode)
		if err != nil {
			return err
		}
		fmt.Printf("%-28s %-12s %-32s %-16s %-9s %-20s %s\n",
			"HOST", "FACILITY", "REPOSITORY", "TAG", "TYPE", "DATE", "USER")
		for _, r := range reports {
			fmt.Printf("%-28s %-12s %-32s %-16s %-9s %-20s %s\n",
				r.Host, r.Facility, r.Repository, r.Tag, r.Type,
				r.InstallDate.Format("2006-01-02 15:04:05"), r.User)
		}
		return nil
	},
}

var filesCmd = &cobra.Command{
	Use:   "files HOST",
	Short: "List the files currently installed on a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, _ := cmd.Flags().GetString("api")

		files, err := client.New(api).HostFiles(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, f := range files {
			switch {
			case f.SymlinkTarget != nil:
				fmt.Printf("%s -> %s (%s %s)\n", f.Filename, *f.SymlinkTarget, f.Repository, f.Tag)
			case f.Hash != nil:
				fmt.Printf("%s %.12s (%s %s)\n", f.Filename, *f.Hash, f.Repository, f.Tag)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildsCmd)
	buildsCmd.Flags().String("api", "http://localhost:8013", "base URL of the inau API")
	buildsCmd.Flags().String("repository", "", "filter by repository name")
	buildsCmd.Flags().String("tag", "", "filter by tag")
	buildsCmd.Flags().Int("limit", 0, "maximum number of builds (server default 50)")

	rootCmd.AddCommand(installationsCmd)
	installationsCmd.Flags().String("api", "http://localhost:8013", "base URL of the inau API")
	installationsCmd.Flags().String("mode", "status", "report mode: status, diff or history")

	rootCmd.AddCommand(filesCmd)
	filesCmd.Flags().String("api", "http://localhost:8013", "base URL of the inau API")
}
