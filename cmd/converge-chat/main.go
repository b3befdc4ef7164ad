// ABOUTME: Demo CLI driving three clients against the in-process network
// ABOUTME: Walks group creation, streaming, membership changes and consent end to end

package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/2389/converge/internal/client"
	"github.com/2389/converge/internal/config"
	"github.com/2389/converge/internal/gateway/localnet"
	"github.com/2389/converge/internal/store"
)

// settle is how long we give the asynchronous event fan-out before
// reading results. The in-process network delivers on goroutines, like
// the real transport would.
const settle = 200 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg := &config.Config{
		Env:      config.EnvLocal,
		Database: config.DatabaseConfig{Dir: os.TempDir()},
		Logging:  config.LoggingConfig{Level: "warn", Format: "text"},
	}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal("loading config: %v", err)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logging)
	if !cfg.GroupsEnabled() {
		fatal("the %s tier does not permit group messaging", cfg.Env)
	}

	if err := run(context.Background(), cfg, logger); err != nil {
		fatal("%v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	net := localnet.New(localnet.WithLogger(logger))

	newClient := func(name string) (*client.Client, error) {
		key := make([]byte, store.EncryptionKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		c, err := client.NewRandom(ctx, net, client.Options{
			Env:             cfg.Env,
			AppVersion:      cfg.AppVersion,
			DBDir:           cfg.Database.Dir,
			DBEncryptionKey: key,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating client %s: %w", name, err)
		}
		cyan.Printf("%-6s %s\n", name, c.Address())
		return c, nil
	}

	bold.Println("== clients ==")
	amal, err := newClient("amal")
	if err != nil {
		return err
	}
	defer amal.DeleteLocalDatabase()
	bola, err := newClient("bola")
	if err != nil {
		return err
	}
	defer bola.DeleteLocalDatabase()
	caro, err := newClient("caro")
	if err != nil {
		return err
	}
	defer caro.DeleteLocalDatabase()

	bold.Println("\n== streams ==")
	cancelGroups, err := bola.StreamGroups(ctx, func(g *client.Group) {
		green.Printf("bola: added to group %s\n", g.ID())
	})
	if err != nil {
		return err
	}
	defer cancelGroups()

	if _, err := caro.StreamAllMessages(ctx, func(m *store.Message) {
		green.Printf("caro: message from %s: %s\n", m.SenderAddress, m.Content)
	}, true); err != nil {
		return err
	}
	defer caro.CancelStreamAllMessages()

	bold.Println("\n== group ==")
	group, err := amal.Conversations().NewGroup(ctx, []string{bola.Address(), caro.Address()}, store.PermissionMember)
	if err != nil {
		return err
	}
	if _, err := group.Send(ctx, []byte("hello, world")); err != nil {
		return err
	}
	time.Sleep(settle)

	// bola only learns of the group by syncing; the creator's own feed
	// stayed quiet by design, bola's fired above.
	bolaGroups, err := bola.Conversations().ListGroups(ctx, false)
	if err != nil {
		return err
	}
	for _, g := range bolaGroups {
		if _, err := g.Send(ctx, []byte("gm")); err != nil {
			return err
		}
	}
	time.Sleep(settle)

	msgs, err := group.Messages(ctx, false, 0)
	if err != nil {
		return err
	}
	bold.Println("\n== log (most recent first) ==")
	for _, m := range msgs {
		fmt.Printf("  %s  %s\n", m.SenderAddress[:10], m.Content)
	}

	bold.Println("\n== consent ==")
	if err := caro.Contacts().DenyGroups(ctx, []string{group.ID()}); err != nil {
		return err
	}
	yellow.Printf("caro denied group %s; the firehose stays quiet now\n", group.ID())
	if _, err := group.Send(ctx, []byte("anyone there?")); err != nil {
		return err
	}
	time.Sleep(settle)

	bold.Println("\n== membership ==")
	if err := group.RemoveMembers(ctx, []string{caro.Address()}); err != nil {
		return err
	}
	members, err := group.MemberAddresses(ctx, false)
	if err != nil {
		return err
	}
	fmt.Printf("members after removal: %d\n", len(members))

	caroGroups, err := caro.Conversations().ListGroups(ctx, false)
	if err != nil {
		return err
	}
	for _, g := range caroGroups {
		active, err := g.IsActive(ctx)
		if err != nil {
			return err
		}
		yellow.Printf("caro group %s active=%v\n", g.ID(), active)
	}

	bold.Println("\ndone")
	return nil
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func fatal(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
