// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command rsd runs a supervisor, starting the services described in a
// directory and serving the control API over HTTP.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/gdamore/rsvisor"
	"github.com/gdamore/rsvisor/config"
	"github.com/gdamore/rsvisor/rest"
)

var (
	addr     = "127.0.0.1:8321"
	dir      = "."
	name     = ""
	cfgFile  = ""
	sim      = false
	user     = ""
	hashFile = ""
	rps      = 10.0
	burst    = 20
	settle   = config.DefaultSettle
)

func loadConfig(logger *log.Logger) rsvisor.Config {
	cfg := rsvisor.DefaultConfig()
	if cfgFile == "" {
		cfgFile = filepath.Join(dir, "rsvisor.yaml")
		if _, err := os.Stat(cfgFile); err != nil {
			cfgFile = ""
		}
	}
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadSupervisor(cfgFile); err != nil {
			logger.Fatalf("Failed to load %s: %v", cfgFile, err)
		}
	}
	if name != "" {
		cfg.Name = name
	}
	return cfg
}

func restOptions(logger *log.Logger) *rest.Options {
	opts := &rest.Options{Rate: rate.Limit(rps), Burst: burst}
	if user == "" {
		return opts
	}
	hash := os.Getenv("RSD_PASSWORD_HASH")
	if hashFile != "" {
		b, err := os.ReadFile(hashFile)
		if err != nil {
			logger.Fatalf("Failed to read password hash: %v", err)
		}
		hash = string(b)
	}
	if hash = strings.TrimSpace(hash); hash == "" {
		logger.Fatalf("User %s given without a password hash", user)
	}
	opts.User = user
	opts.PasswordHash = []byte(hash)
	return opts
}

// apply hands a request to the supervisor and logs the outcome.
func apply(ctx context.Context, s *rsvisor.Supervisor, logger *log.Logger, what string, req *rsvisor.Request) {
	if _, err := s.Call(ctx, req); err != nil {
		logger.Printf("%s: %v", what, err)
	}
}

func main() {
	pflag.StringVarP(&addr, "addr", "a", addr, "listen address")
	pflag.StringVarP(&dir, "dir", "d", dir, "configuration directory")
	pflag.StringVarP(&name, "name", "n", name, "supervisor name")
	pflag.StringVarP(&cfgFile, "config", "c", cfgFile, "supervisor settings (default <dir>/rsvisor.yaml)")
	pflag.BoolVar(&sim, "sim", sim, "simulate services instead of running them")
	pflag.StringVarP(&user, "user", "u", user, "require HTTP basic authentication as this user")
	pflag.StringVar(&hashFile, "password-hash-file", hashFile, "file holding the bcrypt password hash (default $RSD_PASSWORD_HASH)")
	pflag.Float64Var(&rps, "rate", rps, "changes allowed per second")
	pflag.IntVar(&burst, "burst", burst, "changes allowed in a burst")
	pflag.DurationVar(&settle, "settle", settle, "quiet time before a changed service file is read")
	pflag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	cfg := loadConfig(logger)

	var k rsvisor.Kernel
	if sim {
		sk := rsvisor.NewSimKernel()
		sk.AutoReady = true
		k = sk
	} else {
		k = rsvisor.NewOSKernel(logger)
	}
	s := rsvisor.NewSupervisor(cfg, k, nil)
	s.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- s.Run(ctx)
	}()

	svcDir := filepath.Join(dir, "services")
	w, err := config.NewWatcher(svcDir, settle, logger)
	if err != nil {
		logger.Fatalf("Failed to watch services directory %s: %v", svcDir, err)
	}
	defer w.Close()

	known := w.Known()
	go func() {
		for _, sc := range known {
			req := rsvisor.NewRequest(rsvisor.OpUp, sc.Label)
			req.Start = sc
			apply(ctx, s, logger, "Starting "+sc.Label, req)
		}
		for ch := range w.Changes() {
			if req := ch.Request(); req != nil {
				logger.Printf("Service file changed: %v", ch)
				apply(ctx, s, logger, ch.String(), req)
			}
		}
	}()

	srv := &http.Server{
		Addr:              addr,
		Handler:           rest.NewHandler(s, restOptions(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigs:
		logger.Printf("Received %v, shutting down", sig)
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := s.Call(sctx, rsvisor.NewRequest(rsvisor.OpShutdown, "")); err != nil {
			logger.Printf("Shutdown: %v", err)
		}
		srv.Shutdown(sctx)
		scancel()
	case err := <-runDone:
		// Shut down through the API.
		if err != nil {
			logger.Printf("Supervisor stopped: %v", err)
		}
		srv.Close()
	}
}
