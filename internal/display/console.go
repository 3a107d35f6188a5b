// Package display renders the tracked events as a table on a terminal.
package display

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/example/classbook/internal/event"
)

const clearScreen = "\033[H\033[2J"

type column struct {
	title string
	width int
}

var columns = []column{
	{"#", 3},
	{"Time", 11},
	{"Class", 24},
	{"Room", 14},
	{"Staff", 14},
	{"Places", 6},
	{"Status", 10},
}

// Console writes one frame per Render call. It asks for a refresh once the
// iteration count reaches the interval in seconds, so the caller must tick
// once per second.
type Console struct {
	Title string
	// Clear redraws in place instead of appending frames.
	Clear bool
	Now   func() time.Time
	Loc   *time.Location

	mu sync.Mutex
	w  io.Writer
	r  *lipgloss.Renderer

	titleStyle, header, muted lipgloss.Style
	box                       lipgloss.Style
	status                    map[string]lipgloss.Style
}

func NewConsole(w io.Writer, title string) *Console {
	r := lipgloss.NewRenderer(w)
	c := &Console{
		Title: title,
		Now:   time.Now,
		Loc:   time.Local,
		w:     w,
		r:     r,
	}
	c.titleStyle = r.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	c.header = r.NewStyle().Bold(true).Foreground(lipgloss.Color("#F9FAFB"))
	c.muted = r.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	c.box = r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#6B7280")).Padding(0, 1)
	c.status = map[string]lipgloss.Style{
		event.StatusBooking:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B")),
		event.StatusBooked:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981")),
		event.StatusOpen:     r.NewStyle().Foreground(lipgloss.Color("#60A5FA")),
		event.StatusFull:     r.NewStyle().Foreground(lipgloss.Color("#F87171")),
		event.StatusUpcoming: r.NewStyle().Foreground(lipgloss.Color("#F9FAFB")),
	}
	return c
}

// ShouldRefresh is the cadence policy: refresh once iteration ticks of one
// second have covered timeout.
func ShouldRefresh(iteration int, timeout time.Duration) bool {
	return iteration >= int(timeout/time.Second)
}

func (c *Console) Render(ctx context.Context, events map[string]event.Event, iteration int, timeout time.Duration) (bool, error) {
	refresh := ShouldRefresh(iteration, timeout)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	frame := c.Frame(events, iteration, timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Clear {
		frame = clearScreen + frame
	}
	if _, err := io.WriteString(c.w, frame); err != nil {
		return refresh, fmt.Errorf("display: %w", err)
	}
	return refresh, nil
}

// Frame returns the text of one frame without writing it.
func (c *Console) Frame(events map[string]event.Event, iteration int, timeout time.Duration) string {
	now := c.Now()
	loc := c.Loc
	if loc == nil {
		loc = time.Local
	}

	left := int(timeout/time.Second) - iteration
	if left < 0 {
		left = 0
	}
	head := c.titleStyle.Render(c.Title) + "  " +
		c.muted.Render(fmt.Sprintf("%s · next refresh in %ds · interval %s",
			now.In(loc).Format("Mon 02 Jan 15:04:05"), left, timeout.Round(time.Second)))

	cells := make([]string, len(columns))
	for i, col := range columns {
		cells[i] = c.cell(c.header, col.width, col.title)
	}
	lines := []string{lipgloss.JoinHorizontal(lipgloss.Top, cells...)}

	sorted := event.Sorted(events)
	if len(sorted) == 0 {
		lines = append(lines, c.muted.Render("no events today"))
	}
	for i, ev := range sorted {
		st := ev.Status
		if st == "" {
			st = ev.ComputedStatus(now)
		}
		style, ok := c.status[st]
		if !ok {
			style = c.muted
		}
		row := []string{
			strconv.Itoa(i),
			ev.StartsAt.In(loc).Format("15:04") + "-" + ev.EndsAt.In(loc).Format("15:04"),
			ev.Name,
			ev.Room,
			ev.Staff,
			strconv.Itoa(ev.AvailablePlaces),
			st,
		}
		for j, col := range columns {
			s := c.r.NewStyle()
			if j == len(columns)-1 {
				s = style
			}
			cells[j] = c.cell(s, col.width, row[j])
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}

	return head + "\n" + c.box.Render(strings.Join(lines, "\n")) + "\n"
}

func (c *Console) cell(s lipgloss.Style, width int, v string) string {
	return s.Width(width + 1).MaxWidth(width + 1).Render(truncate(v, width))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
