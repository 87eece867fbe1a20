package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

type deviceRow struct {
	DeviceID      string    `json:"device_id"`
	GroupID       string    `json:"group_id"`
	Hostname      string    `json:"hostname"`
	Platform      string    `json:"platform"`
	Arch          string    `json:"arch"`
	AgentVersion  string    `json:"agent_version"`
	Signing       bool      `json:"signing"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type taskRow struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Interpreter  string `json:"interpreter"`
	ScriptSHA256 string `json:"script_sha256"`
	MaxExecSecs  int    `json:"max_exec_secs"`
}

type scheduleRow struct {
	ID                string `json:"id"`
	DeviceID          string `json:"device_id"`
	TaskID            string `json:"task_id"`
	RecurrenceSeconds int64  `json:"recurrence_seconds"`
	NextExecutionAt   int64  `json:"next_execution_at"`
	LastStatus        string `json:"last_status"`
	InProgress        bool   `json:"in_progress"`
	Enabled           bool   `json:"enabled"`
}

type releaseRow struct {
	Platform string `json:"platform"`
	Variant  string `json:"variant"`
	Version  string `json:"version"`
	SHA256   string `json:"sha256"`
	FileName string `json:"file_name"`
}

type stuckRow struct {
	ScheduleID    string    `json:"schedule_id"`
	DeviceID      string    `json:"device_id"`
	TaskID        string    `json:"task_id"`
	ClaimedAt     int64     `json:"claimed_at"`
	MaxExecSecs   int       `json:"max_exec_secs"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "Drover - Fleet task scheduling and dispatch",
		Long:  "Manage devices, scriptlet tasks, schedules and agent releases across a device fleet",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Drover server URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("DROVER_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		devicesCmd(),
		deviceCmd(),
		groupsCmd(),
		tasksCmd(),
		schedulesCmd(),
		releasesCmd(),
		stuckCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []deviceRow
			if err := adminGet("/v1/admin/devices", &devices); err != nil {
				return err
			}
			var stuck []stuckRow
			if err := adminGet("/v1/admin/stuck", &stuck); err != nil {
				return err
			}

			online := 0
			for _, d := range devices {
				if time.Since(d.LastHeartbeat) < 5*time.Minute {
					online++
				}
			}

			fmt.Printf("Drover Status\n")
			fmt.Printf("=============\n\n")
			fmt.Printf("Total Devices:   %d\n", len(devices))
			fmt.Printf("Online (5m):     %d\n", online)
			fmt.Printf("Offline:         %d\n", len(devices)-online)
			fmt.Printf("Stuck Claims:    %d\n", len(stuck))
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	var groupID string
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/admin/devices"
			if groupID != "" {
				path += "?group_id=" + groupID
			}
			var devices []deviceRow
			if err := adminGet(path, &devices); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE ID\tHOSTNAME\tPLATFORM\tVERSION\tSIGNING\tLAST HEARTBEAT")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%v\t%s ago\n",
					d.DeviceID, d.Hostname, d.Platform, d.Arch, d.AgentVersion,
					d.Signing, time.Since(d.LastHeartbeat).Round(time.Second))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "Filter by group ID")
	return cmd
}

func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device [device-id]",
		Short: "Show details for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d deviceRow
			if err := adminGet("/v1/admin/devices/"+args[0], &d); err != nil {
				return err
			}

			fmt.Printf("Device: %s\n", d.DeviceID)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Hostname:        %s\n", d.Hostname)
			fmt.Printf("Group:           %s\n", d.GroupID)
			fmt.Printf("Platform:        %s/%s\n", d.Platform, d.Arch)
			fmt.Printf("Agent Version:   %s\n", d.AgentVersion)
			fmt.Printf("Signing:         %v\n", d.Signing)
			fmt.Printf("Last Heartbeat:  %s (%s ago)\n",
				d.LastHeartbeat.Format(time.RFC3339), time.Since(d.LastHeartbeat).Round(time.Second))

			var schedules []scheduleRow
			if err := adminGet("/v1/admin/schedules?device_id="+d.DeviceID, &schedules); err != nil {
				return err
			}
			if len(schedules) > 0 {
				fmt.Printf("\nSchedules:\n")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SCHEDULE ID\tTASK\tEVERY\tNEXT\tLAST STATUS\tENABLED")
				for _, s := range schedules {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
						s.ID, s.TaskID, time.Duration(s.RecurrenceSeconds)*time.Second,
						time.Unix(s.NextExecutionAt, 0).Format(time.RFC3339), s.LastStatus, s.Enabled)
				}
				w.Flush()
			}
			return nil
		},
	}
}

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage device groups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			var groups []struct {
				GroupID  string `json:"group_id"`
				TenantID string `json:"tenant_id"`
				Name     string `json:"name"`
			}
			if err := adminGet("/v1/admin/groups", &groups); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "GROUP ID\tNAME\tTENANT")
			for _, g := range groups {
				fmt.Fprintf(w, "%s\t%s\t%s\n", g.GroupID, g.Name, g.TenantID)
			}
			w.Flush()
			return nil
		},
	})

	var tenantID string
	create := &cobra.Command{
		Use:   "create [name] [enroll-secret]",
		Short: "Create a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				GroupID string `json:"group_id"`
			}
			err := adminPost("/v1/admin/groups", map[string]string{
				"name": args[0], "enroll_secret": args[1], "tenant_id": tenantID,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("Created group %s (%s)\n", args[0], out.GroupID)
			return nil
		},
	}
	create.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID")
	cmd.AddCommand(create)
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scriptlet tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks []taskRow
			if err := adminGet("/v1/admin/tasks", &tasks); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK ID\tNAME\tINTERPRETER\tMAX EXEC\tSCRIPT SHA256")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%s\n",
					t.ID, t.Name, t.Interpreter, t.MaxExecSecs, shortHash(t.ScriptSHA256))
			}
			w.Flush()
			return nil
		},
	})

	var interpreter, scriptFile string
	var maxExecSecs int
	create := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a task from a script file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := os.ReadFile(scriptFile)
			if err != nil {
				return err
			}
			var out struct {
				TaskID       string `json:"task_id"`
				ScriptSHA256 string `json:"script_sha256"`
			}
			err = adminPost("/v1/admin/tasks", map[string]any{
				"name":          args[0],
				"interpreter":   interpreter,
				"script":        string(script),
				"max_exec_secs": maxExecSecs,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("Created task %s (%s)\nScript SHA256: %s\n", args[0], out.TaskID, out.ScriptSHA256)
			return nil
		},
	}
	create.Flags().StringVar(&interpreter, "interpreter", "shell", "Interpreter: shell, powershell or python")
	create.Flags().StringVar(&scriptFile, "file", "", "Path to the script file (required)")
	create.Flags().IntVar(&maxExecSecs, "max-exec-secs", 60, "Execution ceiling in seconds")
	create.MarkFlagRequired("file")
	cmd.AddCommand(create)
	return cmd
}

func schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage per-device schedules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedule entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []scheduleRow
			if err := adminGet("/v1/admin/schedules", &entries); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID\tDEVICE\tTASK\tEVERY\tNEXT\tLAST STATUS\tCLAIMED\tENABLED")
			for _, s := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%v\t%v\n",
					s.ID, s.DeviceID, s.TaskID,
					time.Duration(s.RecurrenceSeconds)*time.Second,
					time.Unix(s.NextExecutionAt, 0).Format(time.RFC3339),
					s.LastStatus, s.InProgress, s.Enabled)
			}
			w.Flush()
			return nil
		},
	})

	var recurrence time.Duration
	assign := &cobra.Command{
		Use:   "assign [device-id] [task-id]",
		Short: "Assign a task to a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				ScheduleID string `json:"schedule_id"`
			}
			err := adminPost("/v1/admin/schedules", map[string]any{
				"device_id":          args[0],
				"task_id":            args[1],
				"recurrence_seconds": int64(recurrence.Seconds()),
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("Created schedule %s\n", out.ScheduleID)
			return nil
		},
	}
	assign.Flags().DurationVar(&recurrence, "every", time.Hour, "Recurrence interval")
	cmd.AddCommand(assign)

	cmd.AddCommand(&cobra.Command{
		Use:   "enable [schedule-id]",
		Short: "Enable a schedule entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminPost("/v1/admin/schedules/"+args[0]+"/enable", nil, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable [schedule-id]",
		Short: "Disable a schedule entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminPost("/v1/admin/schedules/"+args[0]+"/disable", nil, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history [schedule-id]",
		Short: "Show recent executions for a schedule entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []struct {
				ExecTime   int64  `json:"exec_time"`
				ExitStatus string `json:"exit_status"`
				ExitCode   int    `json:"exit_code"`
				DurationMS int64  `json:"duration_ms"`
				Output     string `json:"output"`
			}
			if err := adminGet("/v1/admin/schedules/"+args[0]+"/history", &records); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EXECUTED\tSTATUS\tEXIT\tDURATION\tOUTPUT")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\t%dms\t%s\n",
					time.Unix(r.ExecTime, 0).Format(time.RFC3339),
					r.ExitStatus, r.ExitCode, r.DurationMS, firstLine(r.Output))
			}
			w.Flush()
			return nil
		},
	})
	return cmd
}

func releasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "releases",
		Short: "Manage published agent releases",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List published releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			var releases []releaseRow
			if err := adminGet("/v1/admin/releases", &releases); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tVARIANT\tVERSION\tFILE\tSHA256")
			for _, r := range releases {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Platform, r.Variant, r.Version, r.FileName, shortHash(r.SHA256))
			}
			w.Flush()
			return nil
		},
	})

	var variant string
	publish := &cobra.Command{
		Use:   "publish [platform] [version] [file-name]",
		Short: "Publish a release already present in the server release directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Version string `json:"version"`
				Hash    string `json:"hash"`
			}
			err := adminPost("/v1/admin/releases", map[string]string{
				"platform":  args[0],
				"variant":   variant,
				"version":   args[1],
				"file_name": args[2],
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("Published %s %s\nSHA256: %s\n", args[0], out.Version, out.Hash)
			return nil
		},
	}
	publish.Flags().StringVar(&variant, "variant", "persistent", "Agent variant: persistent or scheduled")
	cmd.AddCommand(publish)
	return cmd
}

func stuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "List claims the reaper cannot reclaim (owning device offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stuck []stuckRow
			if err := adminGet("/v1/admin/stuck", &stuck); err != nil {
				return err
			}
			if len(stuck) == 0 {
				fmt.Println("No stuck claims")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID\tDEVICE\tTASK\tCLAIMED\tLAST HEARTBEAT")
			for _, e := range stuck {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n",
					e.ScheduleID, e.DeviceID, e.TaskID,
					time.Unix(e.ClaimedAt, 0).Format(time.RFC3339),
					time.Since(e.LastHeartbeat).Round(time.Second))
			}
			w.Flush()
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drover version %s\n", Version)
		},
	}
}

func adminGet(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return doAdmin(req, out)
}

func adminPost(path string, body, out any) error {
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAdmin(req, out)
}

func doAdmin(req *http.Request, out any) error {
	if adminToken == "" {
		return fmt.Errorf("admin token required (set --token or DROVER_ADMIN_TOKEN)")
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
