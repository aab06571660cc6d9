package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thruflo/klipdeck/internal/clock"
)

// InstallStep is one stage of the scripted Klipper installation.
type InstallStep struct {
	Name    string
	Message string
}

// DemoSteps are the stages the Klipper installer walks through.
var DemoSteps = []InstallStep{
	{Name: "install_dependencies", Message: "Installing system dependencies"},
	{Name: "clone_klipper", Message: "Cloning Klipper repository"},
	{Name: "compile_firmware", Message: "Compiling firmware"},
	{Name: "install_service", Message: "Installing Klipper service"},
}

// demoTicksPerStep is how many progress updates each step emits.
const demoTicksPerStep = 4

// DemoPrinterID is the printer whose status the demo reports.
const DemoPrinterID = "klipper"

// DemoOptions configures RunDemo.
type DemoOptions struct {
	// Interval between updates.
	Interval time.Duration
	// Clock drives the updates. Defaults to the real clock.
	Clock clock.Clock
	// FailStep, when set, aborts the script with an error notice once that
	// step is reached.
	FailStep string
}

// ErrDemoFailed is returned by RunDemo when FailStep was reached.
var ErrDemoFailed = errors.New("scripted installation failed")

// RunDemo broadcasts a scripted installation: progress through DemoSteps
// with a printer_status for DemoPrinterID at each step boundary, ending at
// 100%. It returns when the script finishes or ctx is cancelled.
func RunDemo(ctx context.Context, hub *Hub, opts DemoOptions) error {
	if opts.Interval <= 0 {
		return fmt.Errorf("demo interval must be positive, got %s", opts.Interval)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	ticker := clk.NewTicker(opts.Interval)
	defer ticker.Stop()

	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		}
	}

	total := len(DemoSteps) * demoTicksPerStep
	for i, step := range DemoSteps {
		if step.Name == opts.FailStep {
			hub.BroadcastError("installation failed", fmt.Sprintf("step %s exited with status 1", step.Name))
			hub.BroadcastPrinterStatus(DemoPrinterID, map[string]any{"state": "error", "step": step.Name})
			return ErrDemoFailed
		}

		hub.BroadcastPrinterStatus(DemoPrinterID, map[string]any{"state": "installing", "step": step.Name})
		for tick := 0; tick < demoTicksPerStep; tick++ {
			done := i*demoTicksPerStep + tick
			hub.BroadcastProgress(step.Name, float64(done*100)/float64(total), step.Message)
			if err := wait(); err != nil {
				return err
			}
		}
	}

	hub.BroadcastProgress("complete", 100, "Installation complete")
	hub.BroadcastPrinterStatus(DemoPrinterID, map[string]any{"state": "ready"})
	return nil
}
