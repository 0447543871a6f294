package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surgehq/surge/pkg/client"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect convergence tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list GROUP_ID",
	Short: "List convergence tasks for a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := client.New(apiAddr).ListTasks(cmdContext(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%-36s  %-10s  %-10s  %s\n", "ID", "STATUS", "GENERATION", "STEPS")
		for _, t := range tasks {
			fmt.Printf("%-36s  %-10s  %-10d  %d\n", t.ID, t.Status, t.Generation, len(t.Steps))
		}
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get TASK_ID",
	Short: "Show one task with its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, err := client.New(apiAddr).GetTask(cmdContext(), args[0])
		if err != nil {
			return err
		}

		t := detail.Task
		fmt.Printf("Task %s\n", t.ID)
		fmt.Printf("  group:      %s\n", t.GroupID)
		fmt.Printf("  status:     %s\n", t.Status)
		fmt.Printf("  generation: %d\n", t.Generation)
		if t.Reason != "" {
			fmt.Printf("  reason:     %s\n", t.Reason)
		}
		fmt.Println("  steps:")
		for _, step := range t.Steps {
			fmt.Printf("    %-14s  %-10s  server=%s", step.Action, step.Status, step.ServerID)
			if step.LoadBalancerID != "" {
				fmt.Printf("  lb=%s", step.LoadBalancerID)
			}
			if step.Error != "" {
				fmt.Printf("  error=%q", step.Error)
			}
			fmt.Println()
		}
		if len(detail.Audit) > 0 {
			fmt.Println("  audit:")
			for _, rec := range detail.Audit {
				fmt.Printf("    %s  %-14s  %-10s  %s\n",
					rec.Timestamp.Format("2006-01-02T15:04:05Z07:00"), rec.Action, rec.Outcome, rec.Message)
			}
		}
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
}
