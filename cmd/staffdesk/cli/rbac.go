package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/staffdesk/staffdesk/internal/rbac"
)

// PruneRunner executes one prune pass.
type PruneRunner interface {
	Run(ctx context.Context, dryRun bool) (rbac.PruneResult, error)
}

// Evaluator answers permission questions.
type Evaluator interface {
	Can(ctx context.Context, userID int64, permission string, teamID *int64) bool
	PermissionsFor(ctx context.Context, userID int64, teamID *int64) rbac.PermissionSet
	Invalidate(ctx context.Context, userID int64) error
}

// RBACCLI offers operational helpers around the permission engine.
type RBACCLI struct {
	pruner    PruneRunner
	evaluator Evaluator
}

// NewRBACCLI constructs the helper.
func NewRBACCLI(pruner PruneRunner, evaluator Evaluator) *RBACCLI {
	return &RBACCLI{pruner: pruner, evaluator: evaluator}
}

// Output carries the shared formatting options.
type Output struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *Output) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// PruneOptions configures PruneCommand.
type PruneOptions struct {
	Output
	DryRun bool
}

// PruneCommand deletes expired overrides, or only reports them with DryRun.
func (c *RBACCLI) PruneCommand(ctx context.Context, opts PruneOptions) int {
	opts.defaults()
	if c.pruner == nil {
		fmt.Fprintln(opts.Stderr, "prune: database not configured")
		return 1
	}
	result, err := c.pruner.Run(ctx, opts.DryRun)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "prune: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		return writeJSON(opts.Output, result)
	}
	if result.DryRun {
		fmt.Fprintf(opts.Stdout, "%d expired overrides would be deleted for %d users\n", result.Candidates, len(result.Users))
		return 0
	}
	fmt.Fprintf(opts.Stdout, "deleted %d expired overrides for %d users\n", result.Deleted, len(result.Users))
	return 0
}

// CheckOptions configures CheckCommand.
type CheckOptions struct {
	Output
	UserID     int64
	Permission string
	Team       string
}

type checkSummary struct {
	UserID     int64  `json:"user_id"`
	Permission string `json:"permission"`
	Team       string `json:"team"`
	Allowed    bool   `json:"allowed"`
}

// CheckCommand prints whether the user holds the permission in the team.
// The exit code is 0 when allowed and 3 when denied.
func (c *RBACCLI) CheckCommand(ctx context.Context, opts CheckOptions) int {
	opts.defaults()
	teamID, ok := c.parseArgs(opts.Output, opts.UserID, opts.Team)
	if !ok {
		return 1
	}
	perm := strings.ToLower(strings.TrimSpace(opts.Permission))
	if perm == "" {
		fmt.Fprintln(opts.Stderr, "check: --permission is required")
		return 1
	}
	summary := checkSummary{UserID: opts.UserID, Permission: perm, Team: teamLabel(teamID)}
	summary.Allowed = c.evaluator.Can(ctx, opts.UserID, perm, teamID)
	if opts.JSONOutput {
		if code := writeJSON(opts.Output, summary); code != 0 {
			return code
		}
	} else {
		verdict := "denied"
		if summary.Allowed {
			verdict = "allowed"
		}
		fmt.Fprintf(opts.Stdout, "user %d %s %s in %s\n", summary.UserID, verdict, perm, summary.Team)
	}
	if !summary.Allowed {
		return 3
	}
	return 0
}

// PermissionsOptions configures PermissionsCommand.
type PermissionsOptions struct {
	Output
	UserID int64
	Team   string
}

// PermissionsCommand lists the user's effective permissions in the team.
func (c *RBACCLI) PermissionsCommand(ctx context.Context, opts PermissionsOptions) int {
	opts.defaults()
	teamID, ok := c.parseArgs(opts.Output, opts.UserID, opts.Team)
	if !ok {
		return 1
	}
	set := c.evaluator.PermissionsFor(ctx, opts.UserID, teamID)
	if opts.JSONOutput {
		return writeJSON(opts.Output, set)
	}
	if set.All {
		fmt.Fprintln(opts.Stdout, "# super-admin: every permission is granted")
	}
	for _, name := range set.Names {
		fmt.Fprintln(opts.Stdout, name)
	}
	return 0
}

// InvalidateCommand bumps the cache version for each user synchronously.
func (c *RBACCLI) InvalidateCommand(ctx context.Context, userIDs []int64, out Output) int {
	out.defaults()
	if c.evaluator == nil {
		fmt.Fprintln(out.Stderr, "invalidate: permission service not configured")
		return 1
	}
	if len(userIDs) == 0 {
		fmt.Fprintln(out.Stderr, "invalidate: at least one --user is required")
		return 1
	}
	failed := 0
	for _, id := range userIDs {
		if err := c.evaluator.Invalidate(ctx, id); err != nil {
			fmt.Fprintf(out.Stderr, "invalidate user %d: %v\n", id, err)
			failed++
		}
	}
	if failed > 0 {
		return 1
	}
	fmt.Fprintf(out.Stdout, "invalidated %d users\n", len(userIDs))
	return 0
}

func (c *RBACCLI) parseArgs(out Output, userID int64, team string) (*int64, bool) {
	if c.evaluator == nil {
		fmt.Fprintln(out.Stderr, "permission service not configured")
		return nil, false
	}
	if userID <= 0 {
		fmt.Fprintln(out.Stderr, "--user must be a positive id")
		return nil, false
	}
	teamID, err := rbac.ParseTeam(strings.TrimSpace(team))
	if err != nil {
		fmt.Fprintf(out.Stderr, "invalid --team %q\n", team)
		return nil, false
	}
	return teamID, true
}

func teamLabel(teamID *int64) string {
	if teamID == nil {
		return "global"
	}
	return fmt.Sprintf("team %d", *teamID)
}

func writeJSON(out Output, v any) int {
	enc := json.NewEncoder(out.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(out.Stderr, "encode output: %v\n", err)
		return 1
	}
	return 0
}
