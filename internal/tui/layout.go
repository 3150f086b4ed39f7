package tui

import (
	"math"
	"strings"
)

// Layout constants, in cells. The bar caps are fixed decoration around the
// fill region.
const (
	minNameWidth = 10
	minBarWidth  = 10
	muteWidth    = 2
	barOpen      = " [ "
	barClose     = " ]"
)

type layout struct {
	nameWidth int
	barWidth  int
	nameOnly  bool
}

// computeLayout splits the window width into name column, mute indicator,
// and volume bar. The name column starts at the longest current display
// name and is shrunk (not below minNameWidth) when the bar would fall
// under minBarWidth; if even then no room remains for a bar, the view
// degrades to names only.
func computeLayout(width, maxName int) layout {
	caps := len(barOpen) + len(barClose)
	nameW := maxName
	barW := width - nameW - muteWidth - caps
	if barW < minBarWidth {
		nameW = max(minNameWidth, nameW+barW-minBarWidth)
		barW = width - nameW - muteWidth - caps
		if barW <= 0 {
			return layout{nameWidth: width, nameOnly: true}
		}
	}
	return layout{nameWidth: nameW, barWidth: barW}
}

// renderBar draws the capped volume bar: a proportional run of filled
// glyphs over the track, rounded to the nearest cell.
func renderBar(volume float64, width int) string {
	fill := int(math.Round(volume * float64(width)))
	if fill < 0 {
		fill = 0
	}
	if fill > width {
		fill = width
	}
	return barOpen + strings.Repeat("#", fill) + strings.Repeat("-", width-fill) + barClose
}
