// Package dashboard is a terminal view of a running relay daemon.
package dashboard

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// RefreshInterval is how often the dashboard polls the daemon.
const RefreshInterval = 2 * time.Second

// App is the dashboard application shell.
type App struct {
	app       *tview.Application
	src       Source
	bindings  *Bindings
	table     *StatsTable
	statusBar *StatusBar
	flash     Flash
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates a dashboard reading from src.
func NewApp(src Source, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		src:       src,
		bindings:  &Bindings{},
		table:     NewStatsTable(theme),
		statusBar: NewStatusBar(theme, profileName),
		interval:  RefreshInterval,
		ctx:       ctx,
		cancel:    cancel,
	}
	a.setupBindings()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.bindings.Add(&Action{
		Key: tcell.KeyRune, Rune: 'q',
		Description: "q:quit",
		Handler:     a.Stop,
	})
	a.bindings.Add(&Action{
		Key: tcell.KeyRune, Rune: 'r',
		Description: "r:refresh",
		Handler:     func() { go a.refresh() },
	})
	a.statusBar.SetHints(a.bindings.Hints())
}

func (a *App) setupLayout() {
	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.table, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)
	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if a.bindings.Handle(event) {
			return nil
		}
		return event
	})
}

func (a *App) refresh() {
	ctx, cancel := context.WithTimeout(a.ctx, a.interval)
	defer cancel()

	snap, err := Fetch(ctx, a.src)
	if err != nil {
		if a.ctx.Err() != nil {
			return
		}
		a.flash.Set(err.Error(), 3*a.interval)
	} else {
		a.flash.Clear()
	}
	a.app.QueueUpdateDraw(func() {
		if snap != nil {
			a.table.Update(snap)
			a.statusBar.SetSnapshot(snap)
		}
		a.statusBar.SetFlash(a.flash.Get())
	})
}

func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(a.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.refresh()
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

// Run starts the dashboard and blocks until it quits.
func (a *App) Run() error {
	go a.refresh()
	a.startRefreshLoop()
	return a.app.Run()
}

// Stop shuts the dashboard down.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
