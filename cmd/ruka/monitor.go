package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/ruka/pkg/client"
	"github.com/gwillem/ruka/pkg/hand"
	"github.com/gwillem/ruka/pkg/server"
)

type MonitorCommand struct {
	Addr string `long:"addr" short:"a" description:"Server address (default from config)"`
	Hz   int    `long:"hz" default:"20" description:"Polling frequency"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Finger colors - distinct colors for each finger
var fingerColors = map[hand.FingerName]string{
	hand.Pinky:  "196", // red
	hand.Ring:   "208", // orange
	hand.Middle: "226", // yellow
	hand.Index:  "46",  // green
	hand.Thumb:  "51",  // cyan
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type monitorModel struct {
	client        *client.Client
	interval      time.Duration
	chart         *streamlinechart.Model
	state         *server.State
	width         int      // terminal width
	height        int      // terminal height
	logs          []string // last N log messages
	quitting      bool
	lastPositions map[hand.FingerName]float64 // to freeze the chart when idle
}

type stateMsg *server.State
type logMsg string
type pollMsg time.Time

func (m *monitorModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// hasMovement checks if any finger position has changed from the last state
func (m *monitorModel) hasMovement(positions map[hand.FingerName]float64) bool {
	if m.lastPositions == nil {
		return true
	}
	for name, pos := range positions {
		if lastPos, ok := m.lastPositions[name]; !ok || pos != lastPos {
			return true
		}
	}
	return false
}

// fingerPositions averages the normalized position of each finger's
// channels, in percent.
func fingerPositions(st *server.State) map[hand.FingerName]float64 {
	byChannel := make(map[int]float64, len(st.Channels))
	for _, ch := range st.Channels {
		byChannel[ch.Channel] = ch.Normalized
	}

	positions := make(map[hand.FingerName]float64)
	for _, name := range hand.AllFingers() {
		var sum float64
		var n int
		for _, ch := range hand.FingerChannels(name) {
			if v, ok := byChannel[ch]; ok {
				sum += v
				n++
			}
		}
		if n > 0 {
			positions[name] = sum / float64(n) * 100
		}
	}
	return positions
}

func (m monitorModel) poll() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return pollMsg(t)
	})
}

func fetchState(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		st, err := c.State()
		if err != nil {
			return logMsg(err.Error())
		}
		return stateMsg(st)
	}
}

func sendFingers(c *client.Client, n float64) tea.Cmd {
	return func() tea.Msg {
		positions := make(map[hand.FingerName]float64)
		for _, name := range hand.AllFingers() {
			positions[name] = n
		}
		if err := c.SetFingers(positions); err != nil {
			return logMsg(err.Error())
		}
		return nil
	}
}

func releaseAll(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		if err := c.ReleaseAll(); err != nil {
			return logMsg(err.Error())
		}
		return logMsg("released all servos")
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 10)
	return width, height
}

func (m *monitorModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func initialMonitorModel(c *client.Client, hz int) monitorModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(0, 100),
	)

	for _, name := range hand.AllFingers() {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(fingerColors[name]))
		chart.SetDataSetStyles(string(name), runes.ThinLineStyle, style)
	}

	if hz <= 0 {
		hz = 20
	}
	return monitorModel{
		client:   c,
		interval: time.Second / time.Duration(hz),
		chart:    &chart,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(fetchState(m.client), m.poll())
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "o":
			return m, sendFingers(m.client, 0)
		case "c":
			return m, sendFingers(m.client, 1)
		case "r":
			return m, releaseAll(m.client)
		}

	case pollMsg:
		return m, tea.Batch(fetchState(m.client), m.poll())

	case stateMsg:
		m.state = msg
		positions := fingerPositions(m.state)
		// Only update chart if there's movement (freeze when idle)
		if m.hasMovement(positions) {
			for name, pos := range positions {
				m.chart.PushDataSet(string(name), pos)
			}
			m.chart.DrawAll()
			m.lastPositions = positions
		}
		return m, nil

	case logMsg:
		m.addLog(string(msg))
		return m, nil
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("RUKA Monitor"))
	if m.state != nil {
		sb.WriteString(fmt.Sprintf(" - %.0f Hz, smoothing %.2f", m.state.Rate, m.state.Smoothing))
		if !m.state.Running {
			sb.WriteString(warnStyle.Render("  [stopped]"))
		}
	}
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9")) // bright red

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("o: open  c: curl  r: release  q: quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, name := range hand.AllFingers() {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(fingerColors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+string(name))
	}
	return strings.Join(items, "  ")
}

func (c *MonitorCommand) Execute(args []string) error {
	cl, err := newClient(c.Addr)
	if err != nil {
		return err
	}
	if _, err := cl.State(); err != nil {
		return fmt.Errorf("cannot reach the hand: %w", err)
	}

	p := tea.NewProgram(initialMonitorModel(cl, c.Hz), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running monitor: %w", err)
	}
	return nil
}
