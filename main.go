// Command retro-server runs the trusted relay and offline mailbox for an
// end-to-end encrypted terminal messenger: a TLS chat listener, an
// optional TLS file listener, and an optional cleartext audio listener,
// sharing one Directory and MessageQueue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"retroserver/internal/adminapi"
	"retroserver/internal/audioserver"
	"retroserver/internal/chatserver"
	"retroserver/internal/config"
	"retroserver/internal/directory"
	"retroserver/internal/fileserver"
	"retroserver/internal/queue"
	"retroserver/internal/tlsutil"
)

// Version is the server's release identifier, reported by the CLI's
// version subcommand.
const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 && RunCLI(os.Args[1:]) {
		return
	}

	configDir := flag.String("c", "", "server configuration directory (required)")
	help := flag.Bool("h", false, "print help and exit")
	regKeyOut := flag.String("R", "", "generate a registration key, write its hex to this path, and exit")
	certValidity := flag.Duration("cert-validity", 365*24*time.Hour, "validity period for a generated self-signed TLS certificate")
	flag.Parse()

	if *help || *configDir == "" {
		printUsage()
		if *help {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	dir, err := directory.Open(cfg.ServerDB(), cfg.UserDir)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer dir.Close()

	if *regKeyOut != "" {
		if err := generateRegKey(dir, *regKeyOut); err != nil {
			log.Fatalf("[main] %v", err)
		}
		return
	}

	q, err := queue.Open(cfg.MsgDir)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer q.Close()

	identity, err := tlsutil.Load(cfg.CertFile, cfg.KeyFile, *certValidity, cfg.ServerAddress)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	log.Printf("[main] TLS certificate fingerprint: %s", identity.Fingerprint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
	}()

	chatAddr := fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.ServerPort)
	chat := chatserver.New(chatserver.Config{
		Address:        chatAddr,
		TLSConfig:      identity.Config,
		Directory:      dir,
		Queue:          q,
		RecvTimeout:    cfg.RecvTimeout,
		AcceptTimeout:  cfg.AcceptTimeout,
		MaxConnections: cfg.MaxConnections,
		PerIPLimit:     cfg.PerIPLimit,
		RateLimitHz:    defaultRateLimitHz,
		RateLimitBurst: defaultRateLimitBurst,
		Bans:           dir,
	})

	go func() {
		if err := chat.Run(ctx); err != nil {
			log.Fatalf("[main] chatserver: %v", err)
		}
	}()

	if cfg.FileServerEnabled {
		fileAddr := fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.FileServerPort)
		fsrv, err := fileserver.New(fileserver.Config{
			Address:       fileAddr,
			TLSConfig:     identity.Config,
			UploadDir:     cfg.UploadDir,
			HasSession:    chat.HasSessionFromIP,
			Recorder:      dir,
			AcceptTimeout: cfg.AcceptTimeout,
			RecvTimeout:   cfg.RecvTimeout,
			MaxFileSize:   cfg.FileServerMaxFileSize,
			DeleteOnGet:   cfg.FileServerDeleteFiles,
		})
		if err != nil {
			log.Fatalf("[main] fileserver: %v", err)
		}
		go func() {
			if err := fsrv.Run(ctx); err != nil {
				log.Fatalf("[main] fileserver: %v", err)
			}
		}()
	}

	if cfg.AudioServerEnabled {
		audioAddr := fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.AudioServerPort)
		audio := audioserver.New(audioAddr)
		go func() {
			if err := audio.Run(ctx); err != nil {
				log.Fatalf("[main] audioserver: %v", err)
			}
		}()
	}

	if cfg.AdminAPIEnabled {
		admin := adminapi.New(dir, identity.Fingerprint, cfg.FileServerEnabled, cfg.AudioServerEnabled)
		admin.ShutdownGrace = adminAPIShutdownGrace
		adminAddr := fmt.Sprintf(":%d", cfg.AdminAPIPort)
		go func() {
			if err := admin.Run(ctx, adminAddr); err != nil {
				log.Printf("[main] adminapi: %v", err)
			}
		}()
	}

	go runMaintenance(ctx, dir)

	<-ctx.Done()
	log.Println("[main] stopped")
}

// runMaintenance periodically purges expired bans, the way the teacher's
// main.go runs periodic ticker-based maintenance goroutines alongside the
// listeners.
func runMaintenance(ctx context.Context, dir *directory.Directory) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bans, err := dir.ListBans()
			if err != nil {
				log.Printf("[main] list bans: %v", err)
				continue
			}
			now := time.Now()
			for _, b := range bans {
				if !b.Until.IsZero() && now.After(b.Until) {
					if err := dir.RemoveBan(b.UserIDHex, b.IP); err != nil {
						log.Printf("[main] purge expired ban: %v", err)
					}
				}
			}
		}
	}
}

func generateRegKey(dir *directory.Directory, outPath string) error {
	key, err := dir.NewUniqueRegKey()
	if err != nil {
		return fmt.Errorf("generate registration key: %w", err)
	}
	if err := os.WriteFile(outPath, []byte(key.Hex()), 0o600); err != nil {
		return fmt.Errorf("write registration key: %w", err)
	}
	log.Printf("[main] wrote registration key to %s", outPath)
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  retro-server -c <config-dir>              run the server")
	fmt.Fprintln(os.Stderr, "  retro-server -c <config-dir> -R <path>    generate a registration key")
	fmt.Fprintln(os.Stderr, "  retro-server -h                           print this help")
	fmt.Fprintln(os.Stderr, "  retro-server ban add|list|rm ...          manage operator bans")
}
