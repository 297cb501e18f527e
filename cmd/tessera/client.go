package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tessera-app/supervisor/internal/api"
	"github.com/tessera-app/supervisor/internal/journal"
	"github.com/tessera-app/supervisor/internal/notify"
	"github.com/tessera-app/supervisor/internal/supervisor"
	"github.com/tessera-app/supervisor/internal/tui"
)

func apiClient() *api.Client {
	return api.NewClient(cfg.Socket)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the backend services",
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := apiClient().Start(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the backend services",
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := apiClient().Stop(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := apiClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(h)
		}
		if h.Error != "" {
			return fmt.Errorf("%s", h.Error)
		}
		fmt.Println(h.Message)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show process status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()
		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("--watch needs a terminal")
			}
			if err := c.Ping(cmd.Context()); err != nil {
				return err
			}
			return tui.Run(c)
		}

		h, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		procs, err := c.Processes(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(procs)
		}

		fmt.Printf("Backend: %s\n", h.Report.Status)
		if len(procs) == 0 {
			fmt.Println("No processes")
			return nil
		}
		fmt.Println()
		printProcesses(procs)

		for _, p := range procs {
			if !p.Running {
				detail := fmt.Sprintf("\n%s: exit %d", p.Name, p.ExitCode)
				if p.Error != "" {
					detail += fmt.Sprintf(" (%s)", p.Error)
				}
				fmt.Println(detail)
			}
		}
		for _, name := range h.Report.Failed {
			fmt.Printf("%s: failed to start\n", name)
		}
		return nil
	},
}

func printProcesses(procs []supervisor.ProcessStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROCESS\tGROUP\tSTATE\tHEALTH\tPID\tPORT\tUPTIME")
	now := time.Now()
	for _, p := range procs {
		state := "running"
		uptime := "-"
		if p.Running {
			uptime = now.Sub(p.StartedAt).Truncate(time.Second).String()
		} else {
			state = "exited"
		}
		port := "-"
		if p.Port > 0 {
			port = strconv.Itoa(p.Port)
		}
		health := string(p.Health)
		if health == "" {
			health = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			p.Name, p.Group, state, health, p.PID, port, uptime)
	}
	w.Flush()
}

var logsCmd = &cobra.Command{
	Use:   "logs <process>",
	Short: "Show captured output of a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		lines, err := apiClient().Logs(cmd.Context(), args[0], n)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream backend lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return apiClient().Events(ctx, func(ev notify.Event) {
			if ev.Payload != nil {
				fmt.Printf("%s  %s  %v\n", ev.Time.Format(time.RFC3339), ev.Name, ev.Payload)
				return
			}
			fmt.Printf("%s  %s\n", ev.Time.Format(time.RFC3339), ev.Name)
		})
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recent lifecycle journal entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		entries, err := journal.Read(cfg.Journal, n)
		if err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(entries)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tPROCESS\tPID\tDETAIL")
		for _, e := range entries {
			subject := e.Process
			if subject == "" {
				subject = e.Event
			}
			detail := e.Detail
			if e.Error != "" {
				detail = e.Error
			}
			pid := "-"
			if e.PID > 0 {
				pid = strconv.Itoa(e.PID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Format(time.DateTime), e.Action, valueOrDash(subject), pid, detail)
		}
		return w.Flush()
	},
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	healthCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().BoolP("watch", "w", false, "Live view (interactive terminal only)")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")
	journalCmd.Flags().IntP("lines", "n", 50, "Number of entries to show")
	journalCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(startCmd, stopCmd, healthCmd, statusCmd, logsCmd, eventsCmd, journalCmd)
}
