package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

var (
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
)

// ui prints styled command output.
type ui struct {
	out    io.Writer
	errOut io.Writer
}

func newUI(out, errOut io.Writer) *ui {
	return &ui{out: out, errOut: errOut}
}

func (u *ui) Info(format string, a ...any) {
	fmt.Fprintf(u.out, "  %s\n", fmt.Sprintf(format, a...))
}

func (u *ui) Success(format string, a ...any) {
	fmt.Fprintf(u.out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *ui) Warning(format string, a ...any) {
	fmt.Fprintf(u.errOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *ui) Error(format string, a ...any) {
	fmt.Fprintf(u.errOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

// Table creates a borderless left-aligned table.
func (u *ui) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
