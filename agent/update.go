package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/updater"
)

// updateChecker polls the release endpoint and applies newer agent builds.
// Its failures are isolated behind a circuit breaker: a broken or slow
// release endpoint never delays the dispatch loop, and repeated failures stop
// hitting the server entirely until the breaker half-opens.
type updateChecker struct {
	client  *apiClient
	breaker *gobreaker.CircuitBreaker
	variant string
	staging string

	current *goversion.Version
	apply   *updater.Updater
}

func newUpdateChecker(client *apiClient, variant, stagingDir, backupDir, restartCmd string) (*updateChecker, error) {
	current, err := goversion.NewVersion(Version)
	if err != nil {
		// Dev builds carry a non-semver version; treat them as never
		// updatable rather than refusing to start.
		log.Warn().Str("version", Version).Msg("Unparseable build version, self-update disabled")
		current = nil
	}

	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own binary path: %w", err)
	}
	binary, err = filepath.EvalSymlinks(binary)
	if err != nil {
		return nil, err
	}

	u := &updateChecker{
		client:  client,
		variant: variant,
		staging: stagingDir,
		current: current,
		apply: &updater.Updater{
			BinaryPath: binary,
			BackupDir:  backupDir,
			Restart:    restartHook(restartCmd),
		},
	}
	u.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "update-check",
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	})
	return u, nil
}

func restartHook(cmd string) func() error {
	if cmd == "" {
		return nil
	}
	return func() error {
		return exec.Command("/bin/sh", "-c", cmd).Run()
	}
}

// checkOnce asks the server for the canonical release and applies it when it
// is strictly newer than the running build.
func (u *updateChecker) checkOnce(ctx context.Context) {
	if u.current == nil {
		return
	}

	out, err := u.breaker.Execute(func() (interface{}, error) {
		var v protocol.VersionResponse
		path := "/v1/version?platform=" + runtime.GOOS + "&variant=" + url.QueryEscape(u.variant)
		if err := u.client.getOnce(ctx, path, &v); err != nil {
			return nil, err
		}
		return &v, nil
	})
	if err != nil {
		log.Debug().Err(err).Msg("Update check unavailable")
		return
	}

	v := out.(*protocol.VersionResponse)
	remote, err := goversion.NewVersion(v.Version)
	if err != nil {
		log.Warn().Err(err).Str("version", v.Version).Msg("Server advertised unparseable version")
		return
	}
	if remote.LessThanOrEqual(u.current) {
		log.Debug().Str("current", u.current.String()).Str("remote", remote.String()).Msg("Agent up to date")
		return
	}

	log.Info().Str("current", u.current.String()).Str("remote", remote.String()).Msg("Downloading agent update")
	staged, err := u.download(ctx, v)
	if err != nil {
		log.Error().Err(err).Msg("Update download failed")
		return
	}

	if err := u.apply.Apply(staged, v.SHA256); err != nil {
		log.Error().Err(err).Msg("Update apply failed")
		return
	}

	u.current = remote
	log.Info().Str("version", remote.String()).Msg("Agent updated")
}

// download stages the release file locally. Hash verification happens in
// Apply, against the staged bytes, never against what the server claims about
// itself.
func (u *updateChecker) download(ctx context.Context, v *protocol.VersionResponse) (string, error) {
	if err := os.MkdirAll(u.staging, 0o700); err != nil {
		return "", err
	}
	staged := filepath.Join(u.staging, v.FileName+".staged")

	f, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	if err := u.client.download(ctx, "/v1/download/"+runtime.GOOS+"/"+url.PathEscape(v.FileName), f); err != nil {
		f.Close()
		os.Remove(staged)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(staged)
		return "", err
	}
	return staged, nil
}
