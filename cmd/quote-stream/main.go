package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gotradier/pkg/config"
	"github.com/betbot/gotradier/pkg/journal"
	"github.com/betbot/gotradier/pkg/logger"
	"github.com/betbot/gotradier/pkg/sdk/orders"
	"github.com/betbot/gotradier/pkg/secretstore"
	"github.com/betbot/gotradier/pkg/shutdown"
	"github.com/betbot/gotradier/pkg/trader"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（.yaml）")
	symbolsArg := flag.String("symbols", "AAPL,SPY", "订阅的标的（逗号分隔）")
	secretsPath := flag.String("secrets", "", "凭证存储目录（badger，可选）")
	journalPath := flag.String("journal", "", "订单日志数据库路径（sqlite，可选）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, OutputFile: cfg.LogFile}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	var opts []trader.Option

	if *secretsPath != "" {
		secrets, err := secretstore.Open(secretstore.OpenOptions{Path: *secretsPath})
		if err != nil {
			logrus.WithError(err).Fatal("打开凭证存储失败")
		}
		defer secrets.Close()
		opts = append(opts, trader.WithSecretStore(secrets))
	}

	if *journalPath != "" {
		j, err := journal.Open(*journalPath)
		if err != nil {
			logrus.WithError(err).Fatal("打开订单日志失败")
		}
		defer j.Close()
		opts = append(opts, trader.WithJournal(j))
	}

	t, err := trader.New(cfg, opts...)
	if err != nil {
		logrus.WithError(err).Fatal("初始化 trader 失败")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := t.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("启动 trader 失败")
	}

	t.OnOrderUpdate(func(o orders.Order) {
		logrus.WithFields(logrus.Fields{
			"correlation_id": o.CorrelationID,
			"broker_id":      o.BrokerID,
			"status":         o.Status,
			"filled":         o.FilledQuantity,
		}).Info("订单状态变更")
	})

	symbols := splitSymbols(*symbolsArg)
	if len(symbols) > 0 {
		if err := t.Subscribe(symbols...); err != nil {
			logrus.WithError(err).Fatal("订阅行情失败")
		}
		logrus.WithField("symbols", symbols).Info("已订阅行情")
	}

	events, unregister := t.Events("quote-stream")
	go func() {
		defer unregister()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				logrus.WithFields(logrus.Fields{
					"type":   ev.Type,
					"symbol": ev.Symbol,
				}).Info(string(ev.Raw))
			}
		}
	}()

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(context.Context) {
		t.Stop()
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("收到退出信号")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
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
