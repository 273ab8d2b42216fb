package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/matheus3301/msgrelay/internal/api"
	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/syncstate"
)

// render writes v as indented JSON with --json, otherwise through human.
func render[T any](g *globals, w io.Writer, v T, human func(io.Writer, T)) error {
	if g.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w, v)
	return nil
}

func stateColor(state string) string {
	switch state {
	case "READY", "synced", "SENT", "DELIVERED":
		return color.New(color.FgGreen).Sprint(state)
	case "DEGRADED", "STARTING", "BOOTING", "conflict", "retryable", "PENDING":
		return color.New(color.FgYellow).Sprint(state)
	case "ERROR", "STOPPING", "fatal", "FAILED":
		return color.New(color.FgRed).Sprint(state)
	}
	return state
}

func printStatus(w io.Writer, st *api.Status) {
	fmt.Fprintf(w, "Profile:    %s\n", st.Profile)
	state := stateColor(st.State)
	if st.Reason != "" {
		state += " (" + st.Reason + ")"
	}
	fmt.Fprintf(w, "State:      %s\n", state)
	fmt.Fprintf(w, "Uptime:     %s\n", (time.Duration(st.UptimeMS) * time.Millisecond).Truncate(time.Second))
	gw := color.New(color.FgRed).Sprint("disconnected")
	if st.Gateway {
		gw = color.New(color.FgGreen).Sprint("connected")
	}
	fmt.Fprintf(w, "Gateway:    %s\n", gw)
	fmt.Fprintf(w, "Fragments:  %d buffered\n", st.PendingFragments)
	if st.LastSyncPass != "" {
		fmt.Fprintf(w, "Last pass:  %s\n", st.LastSyncPass)
	}
	if st.LastSyncSuccess != "" {
		fmt.Fprintf(w, "Last ok:    %s\n", st.LastSyncSuccess)
	}
}

func printDeliveryStats(w io.Writer, s delivery.Stats) {
	fmt.Fprintf(w, "Pending:    %d\n", s.Pending)
	fmt.Fprintf(w, "Sent:       %d\n", s.Sent)
	fmt.Fprintf(w, "Delivered:  %d\n", s.Delivered)
	fmt.Fprintf(w, "Failed:     %d (%d exhausted)\n", s.Failed, s.Exhausted)
	fmt.Fprintf(w, "Rate:       %.1f%%\n", s.DeliveryRate*100)
}

func printSyncStats(w io.Writer, s syncstate.Stats) {
	fmt.Fprintf(w, "Total:            %d\n", s.Total)
	fmt.Fprintf(w, "Synced:           %d\n", s.Synced)
	fmt.Fprintf(w, "Pending upload:   %d\n", s.PendingUpload)
	fmt.Fprintf(w, "Pending download: %d\n", s.PendingDownload)
	fmt.Fprintf(w, "Conflicts:        %d\n", s.Conflicts)
	fmt.Fprintf(w, "Errors:           %d\n", s.Errors)
}

func printEntityResult(w io.Writer, r *api.EntityResult) {
	fmt.Fprintf(w, "%s/%s: %s", r.Type, r.ID, stateColor(r.Outcome))
	if r.Action != "" && r.Action != "none" {
		fmt.Fprintf(w, " (%s)", r.Action)
	}
	if r.Error != "" {
		fmt.Fprintf(w, ": %s", r.Error)
	}
	fmt.Fprintln(w)
}

func printPassReport(w io.Writer, p *api.PassReport) {
	fmt.Fprintf(w, "Outcome:    %s\n", stateColor(p.Outcome))
	fmt.Fprintf(w, "Synced:     %d\n", p.Synced)
	fmt.Fprintf(w, "Conflicts:  %d\n", p.Conflicts)
	fmt.Fprintf(w, "Retryable:  %d\n", p.Retryable)
	fmt.Fprintf(w, "Fatal:      %d\n", p.Fatal)
	for i := range p.Failures {
		fmt.Fprint(w, "  ")
		printEntityResult(w, &p.Failures[i])
	}
}

func printRequeued(w io.Writer, ref api.EntityRef) {
	fmt.Fprintf(w, "%s/%s requeued\n", ref.Type, ref.ID)
}

func printSent(w io.Writer, s *api.Sent) {
	fmt.Fprintf(w, "%s %s\n", s.ID, stateColor(s.Status))
}

func printConflicts(w io.Writer, list api.ConflictList) {
	if len(list.Conflicts) == 0 {
		fmt.Fprintln(w, "No conflicts.")
		return
	}
	for _, c := range list.Conflicts {
		updated := time.UnixMilli(c.UpdatedAt).Format(time.RFC3339)
		fmt.Fprintf(w, "%-10s %-36s %s\n", c.Type, c.ID, updated)
	}
}
