// Package ui renders CLI output.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mschirtzinger/lifesync/internal/engine"
	"github.com/mschirtzinger/lifesync/internal/store"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#1D8A5A", Dark: "#2CD7A0"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B07D00", Dark: "#F4D03F"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#E74C3C"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#16858E", Dark: "#20B9B4"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6C7A80", Dark: "#7F8C8D"}

	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }

// RenderOutcome describes where an entity write landed.
func RenderOutcome(o store.Outcome) string {
	switch o.Path {
	case store.PathRemote:
		return RenderPass("✓ synced")
	case store.PathQueued:
		msg := RenderWarn("○ queued")
		if o.Err != nil {
			msg += RenderMuted(" (" + o.Kind.String() + ")")
		}
		return msg
	case store.PathLocalOnly:
		msg := RenderWarn("⚠ saved on this device only")
		if o.Err != nil {
			msg += RenderMuted(" (" + o.Kind.String() + ")")
		}
		return msg
	default:
		if o.Err != nil {
			return RenderFail("✗ not saved: " + o.Err.Error())
		}
		return RenderMuted("nothing changed")
	}
}

// RenderDrain summarizes a drain result on one line.
func RenderDrain(r engine.DrainResult) string {
	switch {
	case r.Skipped:
		return RenderMuted("another sync is already running")
	case r.NoSession:
		return RenderWarn("⚠ not signed in") + RenderMuted(fmt.Sprintf(" (%d waiting)", r.Remaining))
	}

	parts := []string{RenderPass(fmt.Sprintf("%d synced", r.Processed))}
	if r.Requeued > 0 {
		parts = append(parts, RenderWarn(fmt.Sprintf("%d retrying", r.Requeued)))
	}
	if r.Failed > 0 {
		parts = append(parts, RenderFail(fmt.Sprintf("%d dropped", r.Failed)))
	}
	parts = append(parts, RenderMuted(fmt.Sprintf("%d waiting", r.Remaining)))
	line := strings.Join(parts, ", ")
	if r.Aborted {
		line += RenderWarn(" (interrupted by sign-out)")
	}
	return line
}

// RenderStatus renders the engine status as a small table.
func RenderStatus(s engine.Status) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render("lifesync status"))
	b.WriteString("\n\n")

	session := RenderFail(s.SessionState)
	if s.Authorized {
		session = RenderPass(s.SessionState)
	}
	row := func(label, value string) {
		fmt.Fprintf(&b, "  %-14s %s\n", label+":", value)
	}
	row("Session", session)
	if s.UserID != "" {
		row("User", s.UserID)
	}
	depth := RenderPass("0")
	if s.QueueDepth > 0 {
		depth = RenderWarn(fmt.Sprint(s.QueueDepth))
	}
	row("Queue", depth)
	row("Known ids", fmt.Sprint(s.KnownIDs))
	if s.Draining {
		row("Draining", RenderAccent("yes"))
	}
	if s.LastDrain != nil {
		when := ""
		if s.LastDrainAt != nil {
			when = RenderMuted(" at " + s.LastDrainAt.Local().Format("2006-01-02 15:04:05"))
		}
		row("Last sync", RenderDrain(*s.LastDrain)+when)
	}
	row("Collections", strings.Join(s.Collections, ", "))
	return b.String()
}
