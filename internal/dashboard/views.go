package dashboard

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/syncstate"
	"github.com/rivo/tview"
)

// StatsTable renders delivery and sync counters side by side.
type StatsTable struct {
	*tview.Table
	theme *Theme
}

// NewStatsTable creates an empty stats table.
func NewStatsTable(theme *Theme) *StatsTable {
	t := tview.NewTable().SetBorders(false)
	t.SetBorder(true).
		SetTitle(" relay ").
		SetTitleColor(theme.TitleColor).
		SetBorderColor(theme.BorderColor)
	return &StatsTable{Table: t, theme: theme}
}

type statRow struct {
	label string
	value string
	warn  bool
}

// Update redraws the table from s.
func (st *StatsTable) Update(s *Snapshot) {
	st.Clear()
	st.header(0, "DELIVERY")
	st.header(2, "SYNC")

	left := deliveryRows(s.Delivery)
	right := syncRows(s.Sync)
	for i, r := range left {
		st.row(i+1, 0, r)
	}
	for i, r := range right {
		st.row(i+1, 2, r)
	}
}

func deliveryRows(d delivery.Stats) []statRow {
	return []statRow{
		{"pending", strconv.Itoa(d.Pending), false},
		{"sent", strconv.Itoa(d.Sent), false},
		{"delivered", strconv.Itoa(d.Delivered), false},
		{"failed", strconv.Itoa(d.Failed), d.Failed > 0},
		{"exhausted", strconv.Itoa(d.Exhausted), d.Exhausted > 0},
		{"delivery rate", fmt.Sprintf("%.1f%%", d.DeliveryRate*100), false},
	}
}

func syncRows(y syncstate.Stats) []statRow {
	return []statRow{
		{"total", strconv.Itoa(y.Total), false},
		{"synced", strconv.Itoa(y.Synced), false},
		{"pending upload", strconv.Itoa(y.PendingUpload), false},
		{"pending download", strconv.Itoa(y.PendingDownload), false},
		{"conflicts", strconv.Itoa(y.Conflicts), y.Conflicts > 0},
		{"errors", strconv.Itoa(y.Errors), y.Errors > 0},
	}
}

func (st *StatsTable) header(col int, text string) {
	st.SetCell(0, col, tview.NewTableCell(text).
		SetTextColor(st.theme.HeaderFg).
		SetAttributes(tcell.AttrBold).
		SetSelectable(false))
}

func (st *StatsTable) row(row, col int, r statRow) {
	fg := st.theme.ValueFg
	if r.warn {
		fg = st.theme.WarnFg
	}
	st.SetCell(row, col, tview.NewTableCell(r.label).SetTextColor(st.theme.LabelFg))
	st.SetCell(row, col+1, tview.NewTableCell(r.value).SetTextColor(fg).SetAlign(tview.AlignRight).SetExpansion(1))
}

// StatusBar shows the profile, daemon state and key hints.
type StatusBar struct {
	*tview.TextView
	profile string
	state   string
	reason  string
	gateway bool
	hints   []string
	flash   string
	updated time.Time
}

// NewStatusBar creates a status bar for profile.
func NewStatusBar(theme *Theme, profile string) *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.StatusBarBg)
	sb := &StatusBar{TextView: tv, profile: profile, state: "connecting"}
	sb.render()
	return sb
}

// SetSnapshot updates the state fields from s.
func (sb *StatusBar) SetSnapshot(s *Snapshot) {
	if s.Status != nil {
		sb.state = s.Status.State
		sb.reason = s.Status.Reason
		sb.gateway = s.Status.Gateway
	}
	sb.updated = s.FetchedAt
	sb.render()
}

// SetHints sets the key hints shown on the right.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

// Line returns the rendered status text.
func (sb *StatusBar) Line() string {
	state := sb.state
	if sb.reason != "" {
		state += " (" + sb.reason + ")"
	}
	gw := "[red]gateway off[-]"
	if sb.gateway {
		gw = "[green]gateway on[-]"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s", sb.profile, state, gw)
	if !sb.updated.IsZero() {
		line += " | " + sb.updated.Format("15:04:05")
	}
	if len(sb.hints) > 0 {
		line += " | " + strings.Join(sb.hints, " ")
	}
	if sb.flash != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", sb.flash)
	}
	return line
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, sb.Line())
}
