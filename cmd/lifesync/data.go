package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/lifesync/internal/entity"
	"github.com/mschirtzinger/lifesync/internal/store"
	"github.com/mschirtzinger/lifesync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add <kind> <name...>",
	GroupID: "data",
	Short:   "Add a goal, task, meal, workout, tracker log, person, place or tag",
	Long: `Add a record. It is saved on this device first and mirrored to the
remote backend when you are signed in.

Kinds: goals, projects, tasks, events, meals, workouts, tracker_logs,
people, places, tags.

Examples:
  lifesync add tasks "call the dentist" --at "tomorrow 9am"
  lifesync add meals oatmeal --value 350
  lifesync add tracker_logs weight --value 72.4 --unit kg
  lifesync add goals "run a marathon" --at 2027-04-01`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		kind := args[0]
		name := strings.Join(args[1:], " ")

		in := entity.Input{Name: name}
		in.Value, _ = cmd.Flags().GetFloat64("value")
		in.Unit, _ = cmd.Flags().GetString("unit")
		in.Notes, _ = cmd.Flags().GetString("notes")
		at, _ := cmd.Flags().GetString("at")
		if at == "" {
			at, _ = cmd.Flags().GetString("due")
		}
		if at != "" {
			t, err := parseWhen(at, time.Now())
			if err != nil {
				return err
			}
			in.At = &t
		}

		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		rec, out, err := a.stores.Add(ctx, kind, in)
		if err != nil {
			return err
		}
		if out.Path == store.PathNoop {
			return fmt.Errorf("failed to save %s: %v", kind, out.Err)
		}
		if jsonOutput {
			return printJSON(rec)
		}
		id, label := describe(rec)
		fmt.Printf("%s Added %s %s %s\n", ui.RenderPass("✓"), label, ui.RenderMuted(id), ui.RenderOutcome(out))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list <kind>",
	GroupID: "data",
	Short:   "List records of one kind, newest first",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		col, err := a.stores.Collection(args[0])
		if err != nil {
			return err
		}
		items, out := col.List(ctx)
		if jsonOutput {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Printf("No %s yet.\n", args[0])
		}
		for _, item := range items {
			id, label := describe(item)
			fmt.Printf("  %s  %s\n", ui.RenderMuted(id), label)
		}
		if out.FellBack() {
			fmt.Fprintf(os.Stderr, "%s showing records on this device (%s)\n", ui.RenderWarn("⚠"), out.Kind)
		}
		return nil
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <task-id>",
	GroupID: "data",
	Short:   "Mark a task done",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		task, out := a.stores.Complete(ctx, args[0])
		if out.Path == store.PathNoop {
			return fmt.Errorf("failed to complete task %s: %v", args[0], out.Err)
		}
		fmt.Printf("%s Done: %s %s\n", ui.RenderPass("✓"), task.Title, ui.RenderOutcome(out))
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove <kind> <id>",
	Aliases: []string{"rm"},
	GroupID: "data",
	Short:   "Remove a record",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		col, err := a.stores.Collection(args[0])
		if err != nil {
			return err
		}
		out := col.Remove(ctx, args[1])
		if out.Path == store.PathNoop {
			return fmt.Errorf("failed to remove %s %s: %v", args[0], args[1], out.Err)
		}
		fmt.Printf("%s Removed %s %s\n", ui.RenderPass("✓"), args[1], ui.RenderOutcome(out))
		return nil
	},
}

// describe extracts the id and a human label from any record.
func describe(rec any) (id, label string) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Sprint(rec)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", string(data)
	}
	id, _ = m["id"].(string)
	for _, key := range []string{"title", "name", "activity", "tracker"} {
		if s, ok := m[key].(string); ok && s != "" {
			label = s
			break
		}
	}
	if done, ok := m["done"].(bool); ok && done {
		label = ui.RenderMuted("[x] ") + label
	}
	if v, ok := m["value"].(float64); ok {
		label += fmt.Sprintf(" = %g", v)
		if unit, ok := m["unit"].(string); ok && unit != "" {
			label += " " + unit
		}
	}
	return id, label
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	addCmd.Flags().String("at", "", "due date, start time or log time (e.g. \"tomorrow 5pm\")")
	addCmd.Flags().String("due", "", "alias for --at")
	addCmd.Flags().Float64("value", 0, "tracker value, calories or minutes")
	addCmd.Flags().String("unit", "", "tracker unit")
	addCmd.Flags().String("notes", "", "free-text notes")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(removeCmd)
}
