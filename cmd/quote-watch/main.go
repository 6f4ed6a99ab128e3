package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/betbot/gotradier/pkg/config"
	"github.com/betbot/gotradier/pkg/logger"
	"github.com/betbot/gotradier/pkg/sdk/websocket"
	"github.com/betbot/gotradier/pkg/trader"
)

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	upStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2")) // 绿色

	downStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238"))
)

// quoteRow 单个标的的最新行情
type quoteRow struct {
	Symbol   string
	Last     float64
	Bid      float64
	Ask      float64
	PrevLast float64
	Updated  time.Time
}

// model TUI 状态
type model struct {
	symbols []string
	rows    map[string]*quoteRow
	state   websocket.State
	dropped uint64
	err     error

	t      *trader.Trader
	events <-chan websocket.StreamEvent
	ctx    context.Context
	cancel context.CancelFunc
}

type tickMsg time.Time

// quoteMsg 行情事件（payload 已解码）
type quoteMsg struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
}

// flexFloat 兼容数字和字符串两种价格编码
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal([]byte(strings.Trim(string(data), `"`)), &n); err != nil {
		*f = 0
		return nil
	}
	v, err := n.Float64()
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

// streamPayload 行情事件里关心的字段
type streamPayload struct {
	Type   string    `json:"type"`
	Symbol string    `json:"symbol"`
	Last   flexFloat `json:"last"`
	Price  flexFloat `json:"price"`
	Bid    flexFloat `json:"bid"`
	Ask    flexFloat `json:"ask"`
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second/2, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvent 等下一条行情事件
func waitForEvent(ctx context.Context, events <-chan websocket.StreamEvent) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			var p streamPayload
			if err := json.Unmarshal(ev.Raw, &p); err != nil {
				return quoteMsg{}
			}
			last := float64(p.Last)
			if last == 0 {
				last = float64(p.Price)
			}
			return quoteMsg{Symbol: ev.Symbol, Last: last, Bid: float64(p.Bid), Ask: float64(p.Ask)}
		}
	}
}

func initialModel(t *trader.Trader, symbols []string) model {
	ctx, cancel := context.WithCancel(context.Background())
	events, _ := t.Events("quote-watch")
	rows := make(map[string]*quoteRow, len(symbols))
	for _, s := range symbols {
		rows[s] = &quoteRow{Symbol: s}
	}
	return model{
		symbols: symbols,
		rows:    rows,
		t:       t,
		events:  events,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForEvent(m.ctx, m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.cancel()
			return m, tea.Quit
		}

	case tickMsg:
		m.state = m.t.MarketStream().State()
		m.dropped = m.t.MarketStream().Dropped("quote-watch")
		return m, tickCmd()

	case quoteMsg:
		if msg.Symbol != "" {
			row, ok := m.rows[msg.Symbol]
			if !ok {
				row = &quoteRow{Symbol: msg.Symbol}
				m.rows[msg.Symbol] = row
			}
			if msg.Last > 0 {
				row.PrevLast = row.Last
				row.Last = msg.Last
			}
			if msg.Bid > 0 {
				row.Bid = msg.Bid
			}
			if msg.Ask > 0 {
				row.Ask = msg.Ask
			}
			row.Updated = time.Now()
		}
		return m, waitForEvent(m.ctx, m.events)
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Tradier 行情监控"))
	b.WriteString("  ")
	stateText := m.state.String()
	switch m.state {
	case websocket.StateLive:
		b.WriteString(upStyle.Render(stateText))
	case websocket.StateRecovering, websocket.StateDisconnected:
		b.WriteString(downStyle.Render(stateText))
	default:
		b.WriteString(dimStyle.Render(stateText))
	}
	if m.dropped > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  丢弃: %d", m.dropped)))
	}
	b.WriteString("\n\n")

	symbols := make([]string, 0, len(m.rows))
	for s := range m.rows {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var table strings.Builder
	table.WriteString(titleStyle.Render(fmt.Sprintf("%-8s %10s %10s %10s", "标的", "最新", "买价", "卖价")))
	table.WriteString("\n")
	for _, s := range symbols {
		row := m.rows[s]
		line := fmt.Sprintf("%-8s %10.2f %10.2f %10.2f", row.Symbol, row.Last, row.Bid, row.Ask)
		switch {
		case row.Last > row.PrevLast && row.PrevLast > 0:
			table.WriteString(upStyle.Render(line))
		case row.Last < row.PrevLast:
			table.WriteString(downStyle.Render(line))
		default:
			table.WriteString(line)
		}
		table.WriteString("\n")
	}
	b.WriteString(borderStyle.Render(table.String()))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q 退出"))
	b.WriteString("\n")

	return b.String()
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（.yaml）")
	symbolsArg := flag.String("symbols", "AAPL,SPY,QQQ", "监控的标的（逗号分隔）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	// TUI 模式下日志只进文件，避免污染界面
	if cfg.LogFile == "" {
		cfg.LogFile = "logs/quote-watch.log"
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, OutputFile: cfg.LogFile}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	t, err := trader.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化 trader 失败: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := t.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "启动 trader 失败: %v\n", err)
		os.Exit(1)
	}
	defer t.Stop()

	symbols := splitSymbols(*symbolsArg)
	if err := t.Subscribe(symbols...); err != nil {
		fmt.Fprintf(os.Stderr, "订阅行情失败: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(initialModel(t, symbols))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func splitSymbols(arg string) []string {
	var out []string
	for _, s := range strings.Split(arg, ",") {
		s = strings.TrimSpace(strings.ToUpper(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
