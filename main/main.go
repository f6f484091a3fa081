package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synqronlabs/kestrel"
	"github.com/synqronlabs/kestrel/dns"
)

func main() {
	configPath := flag.String("config", "kestrel.conf", "path to the configuration file")
	describe := flag.Bool("describe", false, "print the configuration file format and exit")
	flag.Parse()

	if *describe {
		fmt.Print(kestrel.Describe(kestrel.DefaultConfig()))
		return
	}

	cfg, err := kestrel.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	cfg.Logger = logger

	resolver := dns.NewResolver(dns.ResolverConfig{
		Nameservers: cfg.Nameservers,
		Timeout:     cfg.DNSTimeout(),
	})
	server, err := kestrel.NewServer(cfg, resolver)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("serving metrics", slog.String("addr", cfg.MetricsListen))
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Error("metrics listener", slog.Any("error", err))
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := server.Store.Prune(); n > 0 {
					logger.Debug("pruned reputation records", slog.Int("count", n))
				}
			}
		}
	}()

	handler := func(ctx context.Context, d *kestrel.Delivery) error {
		logger.Info("delivery",
			slog.String("transaction_id", d.ID),
			slog.String("mail_from", d.MailFrom),
			slog.Int("recipients", len(d.Recipients)),
			slog.Bool("quarantine", d.Quarantine),
			slog.Int("size", len(d.Data)),
		)
		return nil
	}
	if cfg.SpoolDir != "" {
		handler = kestrel.SpoolHandler(cfg.SpoolDir)
	}

	s := smtp.NewServer(&kestrel.Backend{Server: server, DeliveryHandler: handler})
	s.Addr = cfg.Listen
	s.Domain = cfg.Hostname
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = 5 * time.Minute
	s.MaxMessageBytes = cfg.MaxMessageSize
	s.MaxRecipients = cfg.MaxRecipients
	s.AllowInsecureAuth = cfg.AllowInsecureAuth

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("SMTP server started",
		slog.String("addr", cfg.Listen),
		slog.String("hostname", cfg.Hostname),
	)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		log.Fatal(err)
	}
}
