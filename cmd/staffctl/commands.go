package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/staffdesk/staffdesk/cmd/staffdesk/cli"
	"github.com/staffdesk/staffdesk/internal/app"
)

var (
	pruneDryRun  bool
	pruneEnqueue bool
	checkPerm    string
	invalidUsers []int64
	invalidAsync bool
	scheduledMax int
)

func output() cli.Output {
	return cli.Output{JSONOutput: jsonOutput, Stdout: os.Stdout, Stderr: os.Stderr}
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired permission overrides",
	Long: `Delete overrides whose expiry has passed and invalidate the affected users.

Expired overrides are already ignored during evaluation; pruning keeps the table small.

Examples:
  staffctl prune --dry-run     # report what would be deleted
  staffctl prune               # delete now
  staffctl prune --enqueue     # hand the run to the worker`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneEnqueue {
			jc, err := openJobs()
			if err != nil {
				return err
			}
			defer jc.Close()
			name := cli.JobPrune
			if pruneDryRun {
				name = cli.JobPruneDryRun
			}
			info, err := jc.Trigger(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "enqueued %s as %s\n", info.Type, info.ID)
			return nil
		}
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()
		return exitCode(rt.rbac.PruneCommand(cmd.Context(), cli.PruneOptions{Output: output(), DryRun: pruneDryRun}))
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a single permission for a user",
	Long: `Evaluate a permission the same way the API does. Exits 0 when allowed and 3 when denied.

Examples:
  staffctl check --user 42 --permission tickets.update --team 7
  staffctl check --user 42 --permission staff.view --team global`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()
		return exitCode(rt.rbac.CheckCommand(cmd.Context(), cli.CheckOptions{
			Output:     output(),
			UserID:     userFlag,
			Permission: checkPerm,
			Team:       teamFlag,
		}))
	},
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "List a user's effective permissions in a team",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()
		return exitCode(rt.rbac.PermissionsCommand(cmd.Context(), cli.PermissionsOptions{
			Output: output(),
			UserID: userFlag,
			Team:   teamFlag,
		}))
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop cached permissions for users",
	Long: `Bump the permission cache version for each user. Use after editing role data directly in SQL.

Examples:
  staffctl invalidate --user 42 --user 43
  staffctl invalidate --user 42 --async`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if invalidAsync {
			jc, err := openJobs()
			if err != nil {
				return err
			}
			defer jc.Close()
			info, err := jc.Invalidate(cmd.Context(), invalidUsers)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "enqueued %s as %s\n", info.Type, info.ID)
			return nil
		}
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.cfg.CacheDriver == app.CacheDriverMemory {
			fmt.Fprintln(os.Stderr, "warning: CACHE_DRIVER=memory, only this process's cache is affected")
		}
		return exitCode(rt.rbac.InvalidateCommand(cmd.Context(), invalidUsers, output()))
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the background job queue",
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jc, err := openJobs()
		if err != nil {
			return err
		}
		defer jc.Close()
		stats, err := jc.InspectQueue(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(stats)
		}
		fmt.Fprintf(os.Stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	},
}

var jobsScheduledCmd = &cobra.Command{
	Use:   "scheduled",
	Short: "List upcoming scheduled tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jc, err := openJobs()
		if err != nil {
			return err
		}
		defer jc.Close()
		tasks, err := jc.ListScheduled(cmd.Context(), scheduledMax)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	},
}

func init() {
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report expired overrides without deleting them")
	pruneCmd.Flags().BoolVar(&pruneEnqueue, "enqueue", false, "Enqueue the run for the worker instead of running it here")

	for _, c := range []*cobra.Command{checkCmd, permissionsCmd} {
		c.Flags().Int64Var(&userFlag, "user", 0, "User id")
		c.Flags().StringVar(&teamFlag, "team", "", "Team id, or global")
		_ = c.MarkFlagRequired("user")
	}
	checkCmd.Flags().StringVarP(&checkPerm, "permission", "p", "", "Permission name")
	_ = checkCmd.MarkFlagRequired("permission")

	invalidateCmd.Flags().Int64SliceVar(&invalidUsers, "user", nil, "User id (repeatable)")
	invalidateCmd.Flags().BoolVar(&invalidAsync, "async", false, "Enqueue the invalidation for the worker")
	_ = invalidateCmd.MarkFlagRequired("user")

	jobsScheduledCmd.Flags().IntVar(&scheduledMax, "limit", 10, "Maximum tasks to list")
	jobsCmd.AddCommand(jobsStatsCmd, jobsScheduledCmd)
}
