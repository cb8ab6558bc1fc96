package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

var bannerLines = []struct {
	text  string
	color string
}{
	{" _          _   _   _          ", "#818cf8"},
	{"| |    __ _| |_| |_(_) ___ ___ ", "#a78bfa"},
	{"| |   / _` | __| __| |/ __/ _ \\", "#c084fc"},
	{"| |__| (_| | |_| |_| | (_|  __/", "#e879f9"},
	{"|_____\\__,_|\\__|\\__|_|\\___\\___|", "#f472b6"},
}

// PrintBanner writes the Lattice banner to w in the colors p supports.
func PrintBanner(w io.Writer, p termenv.Profile) {
	fmt.Fprintln(w)
	for _, l := range bannerLines {
		fmt.Fprintln(w, paint(p, l.color, l.text))
	}
	fmt.Fprintln(w)
}

func paint(p termenv.Profile, color, s string) string {
	if p == termenv.Ascii {
		return s
	}
	return p.String(s).Foreground(p.Color(color)).String()
}
