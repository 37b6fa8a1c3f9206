package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Skotchmaster/bonebuddy/pkg/authclient"
	"github.com/Skotchmaster/bonebuddy/pkg/config"
	"github.com/Skotchmaster/bonebuddy/pkg/logging"
)

const (
	otpRequestPath = "/api/v1/auth/otp/request"
	otpVerifyPath  = "/api/v1/auth/otp/verify"
	logoutPath     = "/api/v1/auth/logout"
)

type app struct {
	apiURL      string
	sessionPath string
	verbose     bool

	out    io.Writer
	errOut io.Writer

	// storage overrides the on-disk session, for tests.
	storage authclient.Storage
	client  *authclient.Client

	closers []func() error
	watch   sync.WaitGroup
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "bonebuddy", "session.db")
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "bbctl",
		Short:         "BoneBuddy command line client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.PersistentFlags().StringVar(&a.apiURL, "api", config.EnvDefault("BONEBUDDY_API", "http://localhost:8080"), "API base URL (env BONEBUDDY_API)")
	root.PersistentFlags().StringVar(&a.sessionPath, "session", config.EnvDefault("BONEBUDDY_SESSION", defaultSessionPath()), "session database path (env BONEBUDDY_SESSION)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "report token refreshes and debug logs on stderr")

	root.AddCommand(loginCmd(a), logoutCmd(a), paymentsCmd(a))
	return root
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (a *app) open() error {
	a.errOut = &lockedWriter{w: a.errOut}
	level := "warn"
	if a.verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(a.errOut, level)

	store := a.storage
	if store == nil {
		s, err := authclient.OpenSQLiteStorage(a.sessionPath)
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		store = s
	}

	client, err := authclient.New(authclient.Config{
		BaseURL:     a.apiURL,
		ExemptPaths: []string{otpRequestPath, otpVerifyPath},
		Storage:     store,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	a.client = client

	if a.verbose {
		events, unsubscribe := client.Notifier().Subscribe(4)
		a.closers = append([]func() error{func() error { unsubscribe(); a.watch.Wait(); return nil }}, a.closers...)
		a.watch.Add(1)
		go func() {
			defer a.watch.Done()
			for ev := range events {
				if ev.AccessToken == "" {
					fmt.Fprintln(a.errOut, "session cleared")
					continue
				}
				fmt.Fprintln(a.errOut, "session refreshed")
			}
		}()
	}
	return nil
}

func (a *app) close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) print(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(b))
	return err
}

// describe turns API errors into a message fit for a terminal.
func describe(err error) error {
	var apiErr *authclient.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	msg := apiErr.Error()
	var body struct {
		PaymentRecordID string `json:"payment_record_id"`
	}
	if json.Unmarshal(apiErr.Body, &body) == nil && body.PaymentRecordID != "" {
		msg += fmt.Sprintf(" (payment record %s)", body.PaymentRecordID)
	}
	if apiErr.Retryable {
		msg += "; safe to retry"
	}
	if apiErr.Status == 401 {
		msg += "; run bbctl login"
	}
	return errors.New(msg)
}
