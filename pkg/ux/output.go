// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the timelined CLI.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Severity classifies a status word for coloring.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityError
	SeverityNeutral
)

// Printer writes styled output. Machine level writes plain, parseable
// lines with no ANSI codes.
type Printer struct {
	out   io.Writer
	err   io.Writer
	level PersonalityLevel
}

// NewPrinter creates a printer. errOut receives warnings and errors in
// machine mode.
func NewPrinter(out, errOut io.Writer, level PersonalityLevel) *Printer {
	if errOut == nil {
		errOut = out
	}
	return &Printer{out: out, err: errOut, level: level}
}

// Level returns the personality level.
func (p *Printer) Level() PersonalityLevel {
	return p.level
}

// Machine reports whether output is for scripts.
func (p *Printer) Machine() bool {
	return p.level == PersonalityMachine
}

// Title prints a styled title
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.err, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func (p *Printer) Error(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.err, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconError.Render(), text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if p.Machine() {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text. Suppressed in machine mode.
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.out, Styles.Muted.Render(text))
}

// Status renders a status word colored by severity.
func (p *Printer) Status(text string, sev Severity) string {
	if p.Machine() {
		return text
	}
	switch sev {
	case SeverityOK:
		return Styles.Success.Render(text)
	case SeverityWarning:
		return Styles.Warning.Render(text)
	case SeverityError:
		return Styles.Error.Render(text)
	default:
		return text
	}
}

// KeyValues prints aligned key/value pairs in a box. Machine mode prints
// key=value lines.
func (p *Printer) KeyValues(title string, pairs [][2]string) {
	if p.Machine() {
		for _, kv := range pairs {
			fmt.Fprintf(p.out, "%s=%s\n", kv[0], stripANSI(kv[1]))
		}
		return
	}
	width := 0
	for _, kv := range pairs {
		if w := lipgloss.Width(kv[0]); w > width {
			width = w
		}
	}
	lines := make([]string, 0, len(pairs)+1)
	if title != "" {
		lines = append(lines, Styles.Title.Render(title))
	}
	for _, kv := range pairs {
		key := Styles.Muted.Render(kv[0] + strings.Repeat(" ", width-lipgloss.Width(kv[0])))
		lines = append(lines, key+"  "+kv[1])
	}
	fmt.Fprintln(p.out, Styles.Box.Render(strings.Join(lines, "\n")))
}

// Table prints rows under headers. Machine mode prints tab-separated
// rows without the header.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.Machine() {
		for _, row := range rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = stripANSI(c)
			}
			fmt.Fprintln(p.out, strings.Join(cells, "\t"))
		}
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, c := range row {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}
	pad := func(s string, w int) string {
		return s + strings.Repeat(" ", w-lipgloss.Width(s))
	}

	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = Styles.Bold.Render(pad(h, widths[i]))
	}
	fmt.Fprintln(p.out, strings.Join(cells, "  "))
	for _, row := range rows {
		cells = cells[:0]
		for i, c := range row {
			if i < len(widths) {
				c = pad(c, widths[i])
			}
			cells = append(cells, c)
		}
		fmt.Fprintln(p.out, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.out, Styles.Muted.Render("(none)"))
	}
}

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && s[j] != 'm' {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
