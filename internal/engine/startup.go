package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady fails fast when the backend is unreachable and pulls any of
// models that are not available yet, writing progress to w. Empty and
// duplicate names are skipped.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if w == nil {
		w = io.Discard
	}

	version, err := e.Version(ctx)
	if err != nil {
		return fmt.Errorf("local inference engine is not reachable (%v); start it with: ollama serve", err)
	}
	fmt.Fprintf(w, "inference engine %s\n", version)

	have, err := e.Models(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if hasModel(have, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		if err := e.Pull(ctx, model, progressPrinter(w)); err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

// progressPrinter reports a pull in 10% steps per status instead of echoing
// every streamed line.
func progressPrinter(w io.Writer) func(PullProgress) {
	lastStatus, lastStep := "", -1
	return func(p PullProgress) {
		if p.Total <= 0 {
			if p.Status != lastStatus {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
			lastStatus, lastStep = p.Status, -1
			return
		}
		step := int(p.Completed * 10 / p.Total)
		if p.Status == lastStatus && step == lastStep {
			return
		}
		lastStatus, lastStep = p.Status, step
		fmt.Fprintf(w, "  %s %d%%\n", p.Status, step*10)
	}
}
