package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/evertras/bubble-table/table"

	"github.com/allbin/go-usbuart/internal/tui/styles"
)

// ChannelSnapshot is one channel's state at refresh time.
type ChannelSnapshot struct {
	Device      string
	Status      int
	ReadPipeOK  bool
	WritePipeOK bool
	USBDevOK    bool
	RxBytes     uint64
	TxBytes     uint64
	LineErrors  uint8
}

// Feed supplies the monitor with fresh data on every tick.
type Feed interface {
	Channels() []ChannelSnapshot
	// Drain returns bytes received since the previous call.
	Drain() []byte
}

type keyMap struct {
	Pause key.Binding
	Clear key.Binding
	Quit  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Pause, k.Clear, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Pause, k.Clear, k.Quit}}
}

var defaultKeys = keyMap{
	Pause: key.NewBinding(
		key.WithKeys("p", " "),
		key.WithHelp("p", "pause"),
	),
	Clear: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "clear"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

type tickMsg time.Time

const (
	columnDevice = "device"
	columnStatus = "status"
	columnRx     = "rx"
	columnTx     = "tx"
	columnErrors = "errors"

	refreshInterval = 250 * time.Millisecond
	dumpLimit       = 64 * 1024
)

// Monitor is the live channel-status view: a table of channels with
// their status bits and counters over a scrolling hex dump of received
// traffic.
type Monitor struct {
	feed     Feed
	table    table.Model
	viewport viewport.Model
	help     help.Model
	keys     keyMap

	width  int
	height int
	paused bool
	dump   []byte
	ready  bool
}

func NewMonitor(feed Feed) Monitor {
	t := table.New([]table.Column{
		table.NewColumn(columnDevice, "Device", 16),
		table.NewColumn(columnStatus, "Status", 12),
		table.NewColumn(columnRx, "RX bytes", 12),
		table.NewColumn(columnTx, "TX bytes", 12),
		table.NewColumn(columnErrors, "Line errors", 12),
	}).WithBaseStyle(lipgloss.NewStyle().Align(lipgloss.Left))

	return Monitor{
		feed:  feed,
		table: t,
		help:  help.New(),
		keys:  defaultKeys,
	}
}

func (m Monitor) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
			return m, nil
		case key.Matches(msg, m.keys.Clear):
			m.dump = nil
			m.viewport.SetContent("")
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := msg.Height - 12
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = vpHeight
		}
		m.viewport.SetContent(hexdump(m.dump))
		m.viewport.GotoBottom()

	case tickMsg:
		if !m.paused {
			m.refresh()
		}
		return m, tick()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Monitor) refresh() {
	snaps := m.feed.Channels()
	rows := make([]table.Row, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, table.NewRow(table.RowData{
			columnDevice: styles.DeviceStyle.Render(s.Device),
			columnStatus: renderStatus(s),
			columnRx:     styles.CounterStyle.Render(fmt.Sprintf("%d", s.RxBytes)),
			columnTx:     styles.CounterStyle.Render(fmt.Sprintf("%d", s.TxBytes)),
			columnErrors: styles.ErrorCountStyle.Render(fmt.Sprintf("%#02x", s.LineErrors)),
		}))
	}
	m.table = m.table.WithRows(rows)

	if fresh := m.feed.Drain(); len(fresh) > 0 {
		m.dump = append(m.dump, fresh...)
		if len(m.dump) > dumpLimit {
			m.dump = m.dump[len(m.dump)-dumpLimit:]
		}
		if m.ready {
			m.viewport.SetContent(hexdump(m.dump))
			m.viewport.GotoBottom()
		}
	}
}

func renderStatus(s ChannelSnapshot) string {
	bit := func(ok bool, label string) string {
		if ok {
			return styles.StatusOKStyle.Render(label)
		}
		return styles.StatusDeadStyle.Render(label)
	}
	return strings.Join([]string{
		bit(s.ReadPipeOK, "R"),
		bit(s.WritePipeOK, "W"),
		bit(s.USBDevOK, "U"),
	}, " ")
}

func (m Monitor) View() string {
	title := styles.TitleStyle.Render("usbuart monitor")
	if m.paused {
		title += " " + styles.StatusPausedStyle.Render("[paused]")
	}

	traffic := ""
	if m.ready {
		traffic = styles.TrafficBorderStyle.Render(m.viewport.View())
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		"",
		m.table.View(),
		traffic,
		styles.HelpStyle.Render(m.help.View(m.keys)),
	)
}

// hexdump renders data as canonical offset/hex/ascii lines.
func hexdump(data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		b.WriteString(fmt.Sprintf("%08x  ", off))
		for i := 0; i < 16; i++ {
			if i < len(line) {
				b.WriteString(fmt.Sprintf("%02x ", line[i]))
			} else {
				b.WriteString("   ")
			}
			if i == 7 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(" |")
		for _, c := range line {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteString("|\n")
	}
	return b.String()
}
