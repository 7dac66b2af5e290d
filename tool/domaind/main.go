/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alecthomas/kingpin/v2"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/service"
)

func main() {
	app := kingpin.New("domaind", "Domain controller: admits nodes, assigns workers, and serves the admin API.")
	app.Version(domaind.Version)
	app.HelpFlag.Short('h')

	dataDir := app.Flag("data-dir", "Directory for settings, entities, backups and scripts.").
		Default(defaultDataDir()).String()
	listenAddr := app.Flag("listen", "UDP bind address for the node control plane.").
		Default(":" + strconv.Itoa(defaults.DomainServerPort)).String()
	httpAddr := app.Flag("http-addr", "Admin HTTP bind address.").
		Default(":" + strconv.Itoa(defaults.HTTPPort)).String()
	httpsAddr := app.Flag("https-addr", "Admin HTTPS bind address; requires --cert-file and --key-file.").String()
	certFile := app.Flag("cert-file", "PEM certificate for the admin HTTPS surface.").String()
	keyFile := app.Flag("key-file", "PEM private key for the admin HTTPS surface.").String()
	domainID := app.Flag("domain-id", "Metaverse domain ID override.").Short('d').String()
	iceServer := app.Flag("ice-server", "ICE rendezvous server host[:port] override.").Short('i').String()
	getTempName := app.Flag("get-temp-name", "Request a temporary domain name from the metaverse at startup.").Bool()
	parentPID := app.Flag("parent-pid", "Exit when the process with this PID is no longer our parent.").Int()
	debug := app.Flag("debug", "Enable debug logging.").Bool()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := service.Config{
		DataDir:          *dataDir,
		ListenAddr:       *listenAddr,
		HTTPAddr:         *httpAddr,
		HTTPSAddr:        *httpsAddr,
		CertFile:         *certFile,
		KeyFile:          *keyFile,
		DomainID:         *domainID,
		ICEServer:        *iceServer,
		GetTemporaryName: *getTempName,
		ParentPID:        *parentPID,
		AccessToken:      os.Getenv(defaults.AccessTokenEnv),
		ClientSecret:     os.Getenv(defaults.ClientSecretEnv),
		KeyPassphrase:    os.Getenv(defaults.KeyPassphraseEnv),
	}

	ctx := context.Background()
	proc, err := service.New(ctx, cfg)
	if err != nil {
		var exitErr *service.ExitError
		if errors.As(err, &exitErr) {
			slog.ErrorContext(ctx, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		slog.ErrorContext(ctx, "Failed to initialize", "error", err)
		os.Exit(1)
	}
	code, err := proc.Run(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Controller exited with error", "error", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func defaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "domaind")
	}
	return "/var/lib/domaind"
}
