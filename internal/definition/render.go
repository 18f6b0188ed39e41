package definition

import (
	"fmt"
	"strings"
	"time"
)

// Render prints steps one per line with conditional branches indented.
func Render(steps []Step) string {
	var b strings.Builder
	render(&b, steps, 0)
	return b.String()
}

func render(b *strings.Builder, steps []Step, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, s := range steps {
		switch s := s.(type) {
		case Immediate:
			fmt.Fprintf(b, "%s%s now %s\n", indent, s.Name, s.Action)
		case Scheduled:
			fmt.Fprintf(b, "%s%s at %s %s\n", indent, s.Name, stamp(s.At), s.Action)
		case Conditional:
			fmt.Fprintf(b, "%s%s at %s check %s\n", indent, s.Name, stamp(s.At), s.Survey)
			fmt.Fprintf(b, "%s  responses:\n", indent)
			render(b, s.OnTrue, depth+2)
			fmt.Fprintf(b, "%s  no responses:\n", indent)
			render(b, s.OnFalse, depth+2)
		}
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Row is a flattened step used by tabular views.
type Row struct {
	Depth  int
	Branch string
	Name   string
	Kind   string
	At     *time.Time
	Detail string
}

// Rows flattens steps depth first. Branch is "responses" or
// "no responses" for steps under a conditional.
func Rows(steps []Step) []Row {
	var out []Row
	rows(&out, steps, 0, "")
	return out
}

func rows(out *[]Row, steps []Step, depth int, branch string) {
	for _, s := range steps {
		switch s := s.(type) {
		case Immediate:
			*out = append(*out, Row{Depth: depth, Branch: branch, Name: s.Name, Kind: "immediate", Detail: s.Action.String()})
		case Scheduled:
			at := s.At
			*out = append(*out, Row{Depth: depth, Branch: branch, Name: s.Name, Kind: "scheduled", At: &at, Detail: s.Action.String()})
		case Conditional:
			at := s.At
			*out = append(*out, Row{Depth: depth, Branch: branch, Name: s.Name, Kind: "check", At: &at, Detail: "survey " + string(s.Survey)})
			rows(out, s.OnTrue, depth+1, "responses")
			rows(out, s.OnFalse, depth+1, "no responses")
		}
	}
}
