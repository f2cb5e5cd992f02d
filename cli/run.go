package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/guidedflow/guidedflow"
	"github.com/guidedflow/guidedflow/engine"
	"github.com/guidedflow/guidedflow/loader"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Walk through a guide file interactively",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("role", "r", "customer", "Session role: customer | agent | admin")
	cmd.Flags().String("start", "", "Step slug or id to start from")
	cmd.Flags().String("events-file", "", "Append emitted events as JSON lines to a file")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	roleFlag, _ := cmd.Flags().GetString("role")
	start, _ := cmd.Flags().GetString("start")
	eventsPath, _ := cmd.Flags().GetString("events-file")

	gf, err := loadGuideForRun(cmd, filePath)
	if err != nil {
		return err
	}

	role := guidedflow.ParseRole(roleFlag)

	sinks, closeSinks, err := buildRunSinks(cmd.OutOrStdout(), eventsPath)
	if err != nil {
		return err
	}
	defer closeSinks()

	eng := engine.New(engine.Config{
		Graph:     gf.Graph,
		Role:      role,
		SessionID: uuid.New().String(),
		GuideID:   gf.Guide.Slug,
		Sinks:     sinks,
	})

	if phase := eng.Start(start); phase == engine.PhaseNotFound {
		return exitError(exitValidation, "guide has no steps visible to role %q", role)
	}

	if title := gf.Guide.Title; title != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "=== %s ===\n", title)
	}

	return runSession(cmd.Context(), eng, cmd.InOrStdin(), cmd.OutOrStdout())
}

func loadGuideForRun(cmd *cobra.Command, filePath string) (*loader.GuideFile, error) {
	gf, err := loader.LoadGuideFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	return gf, nil
}

// buildRunSinks wires the engine's event sink to an optional JSON lines
// file. The escalation sink prints a confirmation; there is no mail
// delivery in CLI sessions.
func buildRunSinks(out io.Writer, eventsPath string) (engine.Sinks, func(), error) {
	closeFn := func() {}
	sinks := engine.Sinks{
		Escalations: func(_ context.Context, esc guidedflow.Escalation) error {
			fmt.Fprintf(out, "Escalation recorded (category %s, %d history entries).\n",
				esc.Category, len(esc.HistorySnapshot))
			return nil
		},
	}

	if eventsPath == "" {
		return sinks, closeFn, nil
	}

	f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- path from user CLI flag
	if err != nil {
		return engine.Sinks{}, closeFn, exitError(exitRuntime, "opening events file: %v", err)
	}
	enc := json.NewEncoder(f)
	sinks.Events = func(_ context.Context, e guidedflow.Event) error {
		return enc.Encode(e)
	}
	closeFn = func() { _ = f.Close() }
	return sinks, closeFn, nil
}

// runSession drives the prompt loop: print the current step, collect its
// inputs, advance on a blank command or "next", and handle "escalate" and
// "quit". EOF on the input ends the session.
func runSession(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)

	for eng.Phase() == engine.PhaseAtStep {
		step, ok := eng.CurrentStep()
		if !ok {
			break
		}
		printStep(out, eng, step)

		if !collectInputs(eng, step, scanner, out) {
			return nil // EOF mid-step
		}

		for {
			fmt.Fprint(out, "> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())

			if handled, quit, err := handleCommand(ctx, eng, line, scanner, out); err != nil {
				return err
			} else if quit {
				return nil
			} else if handled {
				continue
			}

			result, err := eng.Advance(ctx)
			if err != nil {
				var valErr *engine.ValidationError
				if errors.As(err, &valErr) {
					fmt.Fprintf(out, "Cannot continue: %s\n", valErr.Error())
					if !collectInputs(eng, step, scanner, out) {
						return nil
					}
					continue
				}
				var effErr *engine.EffectFailure
				if errors.As(err, &effErr) {
					fmt.Fprintf(out, "Warning: %s\n", effErr.Error())
				} else {
					return exitError(exitRuntime, "advancing: %v", err)
				}
			}
			if result.Outcome == engine.OutcomeCompleted {
				fmt.Fprintln(out, "\nAll steps complete. Thanks for following along!")
				return nil
			}
			break
		}
	}
	return nil
}

// handleCommand interprets a prompt line. Blank lines and "next" fall
// through to Advance (handled=false).
func handleCommand(ctx context.Context, eng *engine.Engine, line string, scanner *bufio.Scanner, out io.Writer) (handled, quit bool, err error) {
	switch {
	case line == "" || line == "next":
		return false, false, nil
	case line == "quit" || line == "exit":
		fmt.Fprintln(out, "Session abandoned.")
		return false, true, nil
	case strings.HasPrefix(line, "escalate"):
		message := strings.TrimSpace(strings.TrimPrefix(line, "escalate"))
		if message == "" {
			fmt.Fprint(out, "Describe the problem: ")
			if !scanner.Scan() {
				return false, true, nil
			}
			message = strings.TrimSpace(scanner.Text())
		}
		if _, err := eng.SubmitEscalation(ctx, message, "", nil); err != nil {
			var valErr *engine.ValidationError
			if errors.As(err, &valErr) {
				fmt.Fprintf(out, "Cannot escalate: %s\n", valErr.Error())
				return true, false, nil
			}
			var effErr *engine.EffectFailure
			if errors.As(err, &effErr) {
				fmt.Fprintf(out, "Warning: %s\n", effErr.Error())
				return true, false, nil
			}
			return false, false, exitError(exitRuntime, "escalating: %v", err)
		}
		return true, false, nil
	case line == "help":
		fmt.Fprintln(out, "Commands: next (or blank) to continue, escalate [message], quit")
		return true, false, nil
	default:
		fmt.Fprintf(out, "Unknown command %q (try: help)\n", line)
		return true, false, nil
	}
}

// printStep renders the step header: "step N of M", title, and content.
func printStep(out io.Writer, eng *engine.Engine, step guidedflow.Step) {
	n, m := eng.Position()
	fmt.Fprintf(out, "\n[step %d of %d] %s\n", n, m, step.Title)
	if step.Content != "" {
		fmt.Fprintln(out, step.Content)
	}
}

// collectInputs prompts for each input that has no recorded answer yet.
// Returns false on EOF.
func collectInputs(eng *engine.Engine, step guidedflow.Step, scanner *bufio.Scanner, out io.Writer) bool {
	answered := eng.Answers()
	for _, in := range step.Inputs {
		if answered[in.ID] != "" {
			continue
		}
		label := in.Label
		if label == "" {
			label = in.ID
		}
		if len(in.Options) > 0 {
			values := make([]string, len(in.Options))
			for i, opt := range in.Options {
				values[i] = opt.Value
			}
			fmt.Fprintf(out, "%s (%s): ", label, strings.Join(values, "/"))
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		if !scanner.Scan() {
			return false
		}
		value := strings.TrimSpace(scanner.Text())
		if value != "" {
			_ = eng.RecordAnswer(in.ID, value)
		}
	}
	return true
}
