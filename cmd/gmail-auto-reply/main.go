// Command gmail-auto-reply watches one mailbox over IMAP and answers every
// message from a single sender with a fixed reply sent through the Gmail API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/valentinozegna/gmail-auto-reply/pkg/auth"
	"github.com/valentinozegna/gmail-auto-reply/pkg/config"
	"github.com/valentinozegna/gmail-auto-reply/pkg/logging"
	"github.com/valentinozegna/gmail-auto-reply/pkg/mailbox"
	"github.com/valentinozegna/gmail-auto-reply/pkg/monitor"
	"github.com/valentinozegna/gmail-auto-reply/pkg/reliability"
	"github.com/valentinozegna/gmail-auto-reply/pkg/reply"
)

// Filled at build time with the -X linker flag.
var (
	Version = "0.1.0"
	Commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	printExample := flag.Bool("print-example-config", false, "print an example configuration and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *printExample {
		fmt.Print(config.ExampleConfig)
		return
	}
	if *showVersion {
		fmt.Printf("gmail-auto-reply %s (%s)\n", Version, Commit)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gmail-auto-reply: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Secrets may live in a .env next to the working directory; a missing
	// file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stderr
	if cfg.Logging.Sanitized {
		out = logging.SanitizingWriter{W: out}
	}
	log := logging.Setup(cfg.Logging.Level, out)
	log.Info().Str("version", Version).Str("commit", Commit).Msg("gmail-auto-reply starting")

	// Replies always go out through the Gmail API, so the OAuth block is
	// required even when the IMAP side logs in with an app password.
	if cfg.OAuth.RefreshToken == "" {
		return errors.New("the oauth block (client_id, client_secret, refresh_token) is required to send replies")
	}
	provider := auth.NewProvider(auth.Options{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RefreshToken: cfg.OAuth.RefreshToken,
		TokenURL:     cfg.OAuth.TokenURL,
		CachePath:    cfg.OAuth.TokenCache,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionCfg := mailbox.Config{
		Addr:     cfg.IMAP.Addr(),
		Account:  cfg.IMAP.Account,
		Folder:   cfg.IMAP.Folder,
		Password: cfg.IMAP.Password,
		Insecure: cfg.IMAP.Insecure,
		Timeouts: reliability.MailboxTimeouts(),
		Log:      log,
	}
	if cfg.IMAP.Password == "" {
		sessionCfg.Credentials = provider
	}
	session := mailbox.NewSession(sessionCfg)

	dispatcher, err := reply.NewGmailDispatcher(ctx, reply.GmailOptions{
		Account:          cfg.IMAP.Account,
		ReplyBody:        cfg.Monitor.ReplyBody,
		MessageIDDomain:  cfg.Reply.MessageIDDomain,
		TokenSource:      provider,
		BreakerThreshold: cfg.Reply.BreakerThreshold,
		BreakerCooldown:  cfg.Reply.BreakerCooldown(),
		Log:              log,
	})
	if err != nil {
		return err
	}

	m := monitor.New(monitor.Config{
		Sender:           cfg.Monitor.Sender,
		IdleTimeout:      cfg.Monitor.IdleTimeout(),
		ReconnectBackoff: cfg.Monitor.ReconnectBackoff(),
		RateLimitRetries: cfg.Monitor.RateLimitRetries,
		RateLimitDelay:   cfg.Monitor.RateLimitDelay(),
	}, session, dispatcher, provider, log)

	return m.Run(ctx)
}
