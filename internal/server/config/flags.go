package config

import (
	"flag"
	"io"
	"time"

	"github.com/justincihi/cognisync/internal/flagx"
)

// parseFlags overlays the command-line flags handled here:
//
//	-a string   gRPC bind address (e.g. ":50051")
//	-m string   ops HTTP bind address for metrics and health (e.g. ":9090")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret
//	-l string   log level
//	-k string   directory for generated key files
//	-g          generate missing encryption keys
//	-u string   upload directory for audio files
//	-t int      session inactivity timeout, minutes
//
// Other arguments are ignored so -c/-env-file and unknown flags do not clash.
func parseFlags(cfg *Config, args []string) error {
	filtered := flagx.FilterArgs(args, []string{"-a", "-m", "-d", "-s", "-l", "-k", "-g", "-u", "-t"})

	fs := flag.NewFlagSet("cognisync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.EndpointAddrGRPC, "a", cfg.EndpointAddrGRPC, "gRPC address")
	fs.StringVar(&cfg.OpsAddrHTTP, "m", cfg.OpsAddrHTTP, "ops HTTP address")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "database DSN")
	fs.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "JWT secret")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.KeyDir, "k", cfg.KeyDir, "key directory")
	fs.BoolVar(&cfg.GenerateMissingKeys, "g", cfg.GenerateMissingKeys, "generate missing encryption keys")
	fs.StringVar(&cfg.UploadDir, "u", cfg.UploadDir, "upload directory")
	timeout := fs.Int("t", int(cfg.SessionTimeout.Minutes()), "session inactivity timeout (in minutes)")

	if err := fs.Parse(filtered); err != nil {
		return err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "t" {
			cfg.SessionTimeout = time.Duration(*timeout) * time.Minute
		}
	})
	return nil
}
