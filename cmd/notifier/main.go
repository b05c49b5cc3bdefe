package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/logging"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/report"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			var path string
			cfg := config.Default()
			fmt.Fprintf(os.Stderr, "Usage: notifier [flags]\n\n%s", config.Flags("notifier", &cfg, &path).FlagUsages())
			return
		}
		log.Fatal().Err(err).Msg("notifier failed")
	}
}

func run() error {
	cfg, err := config.Load("notifier", os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if cfg.NATS.URL == "" {
		return errors.New("notifier requires a NATS url")
	}
	cfg.NATS.Name = "drift-notifier"

	natsClient, err := messaging.NewNATSClient(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsClient.Close()

	var d report.Deliverer
	if cfg.SMTP.Enabled() {
		d = report.NewSMTPMailer(cfg.SMTP)
		log.Info().Str("smtp_addr", cfg.SMTP.Addr).Msg("delivering reports by mail")
	} else {
		d = report.NewLogDeliverer()
		log.Warn().Msg("smtp not configured: reports are logged only")
	}
	consumer := report.NewConsumer(d)

	// Queue groups let several notifiers share the load without duplicate mail.
	err = natsClient.SubscribeReports("notifier", func(data []byte) {
		if err := consumer.HandleReport(data); err != nil {
			log.Error().Err(err).Msg("handle report")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe reports: %w", err)
	}
	err = natsClient.SubscribeBans("notifier", func(data []byte) {
		if err := consumer.HandleBan(data); err != nil {
			log.Error().Err(err).Msg("handle ban")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe bans: %w", err)
	}

	log.Info().Str("nats_url", cfg.NATS.URL).Msg("notifier started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("notifier shutting down")
	return nil
}
