// Command devicetoken prints a bearer token for a tracking device, signed
// with the JWT_SECRET the api server is configured with.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"backend-pathtrack/internal/auth"
	"backend-pathtrack/internal/config"
)

var loadConfig = config.Load

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devicetoken", flag.ContinueOnError)
	fs.SetOutput(stderr)
	device := fs.String("device", "", "device id to embed in the token")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *device == "" {
		fmt.Fprintln(stderr, "devicetoken: -device is required")
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "devicetoken: config: %v\n", err)
		return 1
	}

	token, err := auth.NewService(cfg.JWTSecret).SignDeviceToken(*device, *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "devicetoken: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
