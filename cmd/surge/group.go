package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/surgehq/surge/pkg/client"
	"github.com/surgehq/surge/pkg/types"
)

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api-addr", "127.0.0.1:7090", "Address of the node API")

	groupCmd.AddCommand(groupApplyCmd)
	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupGetCmd)
	groupCmd.AddCommand(groupDeleteCmd)
	groupCmd.AddCommand(groupScaleCmd)
	groupCmd.AddCommand(groupCapacityCmd)
	groupCmd.AddCommand(groupPauseCmd)
	groupCmd.AddCommand(groupResumeCmd)

	groupApplyCmd.Flags().StringP("file", "f", "", "Path to group manifest (YAML)")
	_ = groupApplyCmd.MarkFlagRequired("file")

	groupListCmd.Flags().String("tenant", "", "Filter by tenant ID")
	groupDeleteCmd.Flags().Bool("force", false, "Scale to zero and delete a non-empty group")

	policyCmd.AddCommand(policyExecuteCmd)
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage scaling groups",
}

var groupApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create a scaling group from a manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var manifest types.GroupManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("failed to parse manifest: %w", err)
		}

		result, err := client.New(apiAddr).CreateGroup(cmdContext(), &manifest)
		if err != nil {
			return err
		}

		fmt.Printf("Group %s created (desired %d, bounds [%d, %d])\n",
			result.Group.ID, result.Group.DesiredCapacity,
			result.Group.MinEntities, result.Group.MaxEntities)
		for _, p := range result.Policies {
			fmt.Printf("  policy %s: %s %s %v\n", p.ID, p.Name, p.Type, p.Amount)
		}
		for _, hook := range result.Webhooks {
			if hook.CapabilityURL != "" {
				fmt.Printf("  webhook for policy %s: %s\n", hook.PolicyID, hook.CapabilityURL)
			} else {
				fmt.Printf("  webhook token for policy %s: %s\n", hook.PolicyID, hook.Token)
			}
		}
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scaling groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		groups, err := client.New(apiAddr).ListGroups(cmdContext(), tenant)
		if err != nil {
			return err
		}

		fmt.Printf("%-36s  %-20s  %-10s  %s\n", "ID", "NAME", "STATUS", "DESIRED")
		for _, g := range groups {
			fmt.Printf("%-36s  %-20s  %-10s  %d\n", g.ID, g.Name, g.Status, g.DesiredCapacity)
		}
		return nil
	},
}

var groupGetCmd = &cobra.Command{
	Use:   "get GROUP_ID",
	Short: "Show one scaling group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group, err := client.New(apiAddr).GetGroup(cmdContext(), args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(group)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete GROUP_ID",
	Short: "Delete a scaling group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if err := client.New(apiAddr).DeleteGroup(cmdContext(), args[0], force); err != nil {
			return err
		}
		if force {
			fmt.Println("Group deletion started; servers will be drained first")
		} else {
			fmt.Println("Group deleted")
		}
		return nil
	},
}

var groupScaleCmd = &cobra.Command{
	Use:   "scale GROUP_ID DESIRED",
	Short: "Set a group's desired capacity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var desired int
		if _, err := fmt.Sscanf(args[1], "%d", &desired); err != nil {
			return fmt.Errorf("DESIRED must be an integer: %w", err)
		}
		task, err := client.New(apiAddr).SetDesired(cmdContext(), args[0], desired)
		if err != nil {
			return err
		}
		fmt.Printf("Convergence task %s enqueued (generation %d)\n", task.ID, task.Generation)
		return nil
	},
}

var groupCapacityCmd = &cobra.Command{
	Use:   "capacity GROUP_ID",
	Short: "Show a group's capacity accounting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		capacity, err := client.New(apiAddr).Capacity(cmdContext(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("desired: %d\nactive:  %d\npending: %d\n",
			capacity.Desired, capacity.Active, capacity.Pending)
		return nil
	},
}

var groupPauseCmd = &cobra.Command{
	Use:   "pause GROUP_ID",
	Short: "Suspend scaling activity for a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := client.New(apiAddr).Pause(cmdContext(), args[0]); err != nil {
			return err
		}
		fmt.Println("Group paused; servers are kept but no scaling will run")
		return nil
	},
}

var groupResumeCmd = &cobra.Command{
	Use:   "resume GROUP_ID",
	Short: "Resume scaling activity for a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := client.New(apiAddr).Resume(cmdContext(), args[0]); err != nil {
			return err
		}
		fmt.Println("Group resumed")
		return nil
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage scaling policies",
}

var policyExecuteCmd = &cobra.Command{
	Use:   "execute POLICY_ID",
	Short: "Fire a scaling policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := client.New(apiAddr).ExecutePolicy(cmdContext(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Convergence task %s enqueued (generation %d)\n", task.ID, task.Generation)
		return nil
	},
}

// cmdContext is the request context for one-shot CLI calls; the client's
// own HTTP timeout bounds each request.
func cmdContext() context.Context {
	return context.Background()
}
