package node

import (
	"strings"

	"github.com/tuzig/vt10x"
)

// Screen replays the accumulated output through a terminal emulator and
// returns the rendered visible screen. Raw buffers are full of cursor moves
// and repaints; the emulated screen is what a human at the terminal would
// actually see.
func (t *Terminal) Screen(cols, rows int) string {
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	term := vt10x.New(vt10x.WithSize(cols, rows))
	_, _ = term.Write([]byte(t.backend.Buffer().String()))

	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, cols)
		for col := 0; col < cols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				chars[col] = ' '
			} else {
				chars[col] = g.Char
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	return strings.Join(lines, "\n")
}
