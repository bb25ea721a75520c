// Command enclavectl is the CLI client for the confidential task
// platform. Its subcommands (login, register, create-task, approve-task,
// invoke-task, get-task, await-result) each wrap one pkg/client.Client
// operation; the other Client operations have no subcommand.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cloakmesh/enclave/pkg/api"
	"github.com/cloakmesh/enclave/pkg/client"
	"github.com/cloakmesh/enclave/pkg/types"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "enclavectl",
	Short: "enclavectl talks to an enclaved server",
}

func init() {
	rootCmd.PersistentFlags().String("server", "localhost:7443", "enclaved server address")
	rootCmd.PersistentFlags().String("token", "", "bearer token from a prior login")

	rootCmd.AddCommand(loginCmd, registerCmd, createTaskCmd, approveTaskCmd, invokeTaskCmd, getTaskCmd, awaitResultCmd)
}

func dial(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	c, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		c.SetToken(token)
	}
	return c, nil
}

var registerCmd = &cobra.Command{
	Use:   "register <id> <password> <role>",
	Args:  cobra.ExactArgs(3),
	Short: "register a new user",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := c.Register(ctx, args[0], args[1], types.Role(args[2]), "")
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <id> <password>",
	Args:  cobra.ExactArgs(2),
	Short: "log in and print a bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		token, err := c.Login(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var createTaskCmd = &cobra.Command{
	Use:   "create-task <function-id> <executor-id>",
	Args:  cobra.ExactArgs(2),
	Short: "create a task against a registered function",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := c.CreateTask(ctx, &api.CreateTaskRequest{
			FunctionID: args[0],
			Executor:   args[1],
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var approveTaskCmd = &cobra.Command{
	Use:   "approve-task <task-id>",
	Args:  cobra.ExactArgs(1),
	Short: "approve a task awaiting this caller's sign-off",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTask(cmd, args[0], func(ctx context.Context, c *client.Client, taskID string) error {
			t, err := c.ApproveTask(ctx, taskID)
			if err != nil {
				return err
			}
			fmt.Println(t.Status)
			return nil
		})
	},
}

var invokeTaskCmd = &cobra.Command{
	Use:   "invoke-task <task-id>",
	Args:  cobra.ExactArgs(1),
	Short: "invoke an approved task",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTask(cmd, args[0], func(ctx context.Context, c *client.Client, taskID string) error {
			t, err := c.InvokeTask(ctx, taskID)
			if err != nil {
				return err
			}
			fmt.Println(t.Status)
			return nil
		})
	},
}

var getTaskCmd = &cobra.Command{
	Use:   "get-task <task-id>",
	Args:  cobra.ExactArgs(1),
	Short: "print a task's current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTask(cmd, args[0], func(ctx context.Context, c *client.Client, taskID string) error {
			t, err := c.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", t.ID, t.Status)
			return nil
		})
	},
}

var awaitResultCmd = &cobra.Command{
	Use:   "await-result <task-id>",
	Args:  cobra.ExactArgs(1),
	Short: "block, polling get_task_result until the task reaches a terminal state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTask(cmd, args[0], func(ctx context.Context, c *client.Client, taskID string) error {
			resp, err := c.AwaitTaskResult(ctx, taskID, func(attempt int) { time.Sleep(time.Second) })
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", resp.Status, resp.Result.Reason)
			return nil
		})
	},
}

func withTask(cmd *cobra.Command, taskID string, fn func(ctx context.Context, c *client.Client, taskID string) error) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, c, taskID)
}
