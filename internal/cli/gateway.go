package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/TaskClaw/internal/bus"
	"github.com/KafClaw/TaskClaw/internal/channels"
	"github.com/KafClaw/TaskClaw/internal/config"
)

var gatewaySignalNotify = signal.Notify
var gatewaySignalStop = signal.Stop

const shutdownGrace = 10 * time.Second

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the agent with all enabled chat channels",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "🌐 TaskClaw Gateway")

	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Journal, bus, provider, sessions, loop
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	// 3. Channels
	mgr, err := buildChannels(cfg, rt.bus)
	if err != nil {
		return err
	}
	rt.loop.SetChannelSender(mgr)

	// 4. Start everything
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	gatewaySignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer gatewaySignalStop(sigChan)

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := rt.bus.DispatchOutbound(dispatchCtx); err != nil && dispatchCtx.Err() == nil {
			slog.Error("Outbound dispatcher stopped", "error", err)
		}
	}()
	if err := mgr.StartAll(ctx); err != nil {
		fmt.Fprintf(out, "⚠️ Some channels failed to start: %v\n", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := rt.loop.Run(ctx); err != nil {
			slog.Error("Agent loop failed", "error", err)
		}
	}()

	fmt.Fprintf(out, "Gateway running with channels %v. Press Ctrl+C to stop.\n", mgr.Names())
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	fmt.Fprintln(out, "Shutting down...")
	shutdown(rt, mgr, loopDone, dispatchDone, stopDispatch, cancel, shutdownGrace)
	return nil
}

// shutdown stops the loop, lets the in-flight turn finish, delivers queued
// replies, then stops channels and waits for background runs. Every wait
// shares one grace period.
func shutdown(rt *runtime, mgr *channels.Manager, loopDone, dispatchDone <-chan struct{}, stopDispatch, cancel context.CancelFunc, grace time.Duration) {
	deadline := time.After(grace)

	rt.loop.Stop()
	select {
	case <-loopDone:
	case <-deadline:
		slog.Warn("Agent loop still busy at shutdown")
	}

	stopDispatch()
	<-dispatchDone
	if n := rt.bus.FlushOutbound(); n > 0 {
		slog.Info("Delivered queued replies", "count", n)
	}

	cancel()
	mgr.StopAll()

	waited := make(chan struct{})
	go func() {
		rt.loop.Subagents().Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-deadline:
		slog.Warn("Background runs still active at shutdown", "active", rt.loop.Subagents().Active())
	}
}

// buildChannels registers every enabled channel with a new manager.
func buildChannels(cfg *config.Config, b *bus.MessageBus) (*channels.Manager, error) {
	mgr := channels.NewManager(b)
	if cfg.Channels.Slack.Enabled {
		mgr.Register(channels.NewSlackChannel(cfg.Channels.Slack, b))
	}
	if cfg.Channels.Telegram.Enabled {
		tg, err := channels.NewTelegramChannel(cfg.Channels.Telegram, b)
		if err != nil {
			return nil, err
		}
		mgr.Register(tg)
	}
	if cfg.Channels.WhatsApp.Enabled {
		mgr.Register(channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, b))
	}
	if cfg.Channels.Kafka.Enabled {
		mgr.Register(channels.NewKafkaChannel(cfg.Channels.Kafka, b))
	}
	return mgr, nil
}
