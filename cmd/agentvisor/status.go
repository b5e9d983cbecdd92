package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/loykin/agentvisor/internal/detector"
	"github.com/loykin/agentvisor/pkg/client"
)

func showStatus(ctx context.Context, flags StatusFlags, out io.Writer) error {
	if flags.PIDFile != "" {
		d := detector.PIDFileDetector{PIDFile: flags.PIDFile}
		alive, err := d.Alive()
		if err != nil {
			return fmt.Errorf("%s: %w", d.Describe(), err)
		}
		if !alive {
			_, _ = fmt.Fprintln(out, "supervisor is not running")
			return nil
		}
		pid, _ := detector.ReadPID(flags.PIDFile)
		_, _ = fmt.Fprintf(out, "supervisor is running (pid %d)\n", pid)
	}

	c := client.New(client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout})

	if flags.Name != "" {
		st, err := c.Status(ctx, flags.Name)
		if err != nil {
			return fmt.Errorf("status %s: %w", flags.Name, err)
		}
		if flags.JSON {
			return printJSON(out, st)
		}
		return printStatuses(out, []client.ProcessStatus{st})
	}

	statuses, err := c.Statuses(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	up, err := c.Uptime(ctx)
	if err != nil {
		return fmt.Errorf("uptime: %w", err)
	}
	if flags.JSON {
		return printJSON(out, map[string]any{"uptime": up, "processes": statuses})
	}
	_, _ = fmt.Fprintln(out, up.Uptime)
	return printStatuses(out, statuses)
}

func printStatuses(out io.Writer, statuses []client.ProcessStatus) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tPID\tRESTARTS\tWINDOW")
	for _, st := range statuses {
		state := "stopped"
		switch {
		case !st.Enabled:
			state = "disabled"
		case st.Alive:
			state = "running"
		}
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", st.Name, state, pid, st.RestartsInWindow, st.MaxRestarts, st.RestartWindow)
	}
	return w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
