package main

import (
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"tiercore/internal/engine"
	"tiercore/internal/ui"
)

// runWithUI runs execute on a worker goroutine while the dashboard follows
// the instance's events. Quitting the dashboard interrupts the run.
func runWithUI(title string, runs int, in *engine.Instance, events chan engine.Event, execute func() error) error {
	outcome := make(chan error, 1)
	go func() {
		outcome <- execute()
		close(events)
	}()

	program := tea.NewProgram(ui.NewDashboard(title, runs, events), tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()

	var err error
	select {
	case err = <-outcome:
	default:
		in.Interrupt()
		// Drain so the executing goroutine is never blocked on a full channel.
		go func() {
			for range events {
			}
		}()
		err = <-outcome
		if err == nil {
			err = errUIAborted
		}
	}
	if uiErr != nil {
		return uiErr
	}
	return err
}
