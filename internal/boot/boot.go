// SPDX-License-Identifier: Apache-2.0

// Package boot assembles and starts one zeitgitterd process: resolve the
// signing key, commit the public key if missing, bring the signer pool up
// to full concurrency, then run the HTTP front end and the commit loop
// together until the context is cancelled. Grounded on gittuf's main.go
// (panic recovery around Execute) and the overall component wiring gittuf's
// root command does across its subcommands, generalized into a single
// long-running daemon rather than a one-shot CLI invocation.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/zeitgitter/zeitgitterd/internal/commitloop"
	"github.com/zeitgitter/zeitgitterd/internal/config"
	"github.com/zeitgitter/zeitgitterd/internal/evidencelog"
	"github.com/zeitgitter/zeitgitterd/internal/gitutil"
	"github.com/zeitgitter/zeitgitterd/internal/httpapi"
	"github.com/zeitgitter/zeitgitterd/internal/mailstamp"
	"github.com/zeitgitter/zeitgitterd/internal/pgpkey"
	"github.com/zeitgitter/zeitgitterd/internal/signerpool"
	"github.com/zeitgitter/zeitgitterd/internal/stamper"
)

const pubkeyFileName = "pubkey.asc"

// Run executes the full boot sequence and then blocks until ctx is
// cancelled or a component fails:
//
// 1. open the repository and resolve the signing key
// 2. commit pubkey.asc if it is not already present in the worktree
// 3. promote the signer pool from its single-threaded boot state
// 4. resume the email cross-timestamp protocol's receive phase (in the
// background) if a request was left outstanding across a restart
// 5. start the HTTP front end
// 6. start the commit loop
func Run(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	clock := clockwork.NewRealClock()

	repo, err := gitutil.Open(cfg.RepositoryPath, clock)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	manager := pgpkey.NewManager(cfg.GnupgHome, pgpkey.WithProgram(cfg.GPGProgram))
	keyID, err := manager.Resolve(cfg.KeyID, cfg.Nickname, cfg.Domain)
	if err != nil {
		return fmt.Errorf("resolve signing key: %w", err)
	}
	logger.Info("signing key resolved", "key-id", keyID)

	pool := signerpool.New(signerpool.Config{
		OriginalKeystore: cfg.GnupgHome,
		KeyID: keyID,
		Program: cfg.GPGProgram,
		MaxParallelSignatures: cfg.MaxParallelSignatures,
		MaxParallelTimeout: cfg.MaxParallelTimeout,
		Clock: clock,
	})

	resolvedIdentity, err := manager.IdentityOf(keyID)
	if err != nil {
		return fmt.Errorf("resolve signing identity: %w", err)
	}
	identity := cfg.FullIdentity(resolvedIdentity)
	if err := setCommitIdentity(repo, identity); err != nil {
		return fmt.Errorf("set commit identity: %w", err)
	}
	if err := ensurePublicKeyCommitted(repo, manager, keyID); err != nil {
		return fmt.Errorf("commit public key: %w", err)
	}
	if cfg.Autoblockchainify {
		if err := ensureMarkerIgnored(repo); err != nil {
			return fmt.Errorf("seed .gitignore: %w", err)
		}
	}

	pool.Promote(cfg.MaxParallelSignatures)

	logNames := evidencelog.DefaultNames()
	if cfg.WorkingLogName != "" {
		logNames.Working = cfg.WorkingLogName
	}
	log := evidencelog.New(repo.Worktree(), logNames)

	stampService := &stamper.Stamper{
		Log: log,
		Pool: pool,
		Clock: clock,
		FullIdentity: identity,
		OwnURL: cfg.OwnURL,
	}

	pubKeyArmor, err := manager.ExportPublicKey(keyID)
	if err != nil {
		return fmt.Errorf("export public key: %w", err)
	}

	httpServer := &httpapi.Server{
		Stamper: stampService,
		PublicKeyArmor: pubKeyArmor,
		ListenAddress: cfg.ListenAddress,
		Logger: logger,
	}

	var mailWorker *mailstamp.Worker
	var mailTrigger commitloop.MailTrigger
	if cfg.Mail.Enabled {
		mailWorker = mailstamp.New(mailstamp.Config{
			Repo: repo,
			Clock: clock,
			SMTPServer: cfg.Mail.SMTPServer,
			SMTPUser: cfg.Mail.SMTPUser,
			SMTPPassword: cfg.Mail.SMTPPassword,
			From: cfg.Mail.SMTPUser, // the service's own mailbox, used as the request's From: address
			To: cfg.Mail.StamperTo,
			IMAPServer: cfg.Mail.IMAPServer,
			IMAPUser: cfg.Mail.IMAPUser,
			IMAPPassword: cfg.Mail.IMAPPassword,
			StamperFrom: cfg.Mail.StamperFrom,
			StamperKeyID: cfg.Mail.StamperKeyID,
			NoDovecotBugWorkaround: cfg.Mail.NoDovecotBugWorkaround,
			GPGProgram: cfg.GPGProgram,
			Logger: logger,
		})
		mailTrigger = mailWorker.Trigger
	}

	loop := &commitloop.Loop{
		Repo: repo,
		Log: log,
		Clock: clock,
		Logger: logger,
		KeyID: keyID,
		Interval: cfg.Interval,
		Offset: cfg.Offset,
		UpstreamSleep: cfg.UpstreamSleep,
		Peers: cfg.Peers,
		Remotes: cfg.Remotes,
		Autoblockchainify: cfg.Autoblockchainify,
		ForceAfterIntervals: cfg.ForceAfterIntervals,
		MailEnabled: cfg.Mail.Enabled,
		MailTrigger: mailTrigger,
	}

	if mailWorker != nil {
		if resumed, err := mailWorker.Resume(ctx); err != nil {
			logger.Warn("could not resume outstanding email timestamp request", "error", err)
		} else if resumed {
			logger.Info("resumed outstanding email timestamp request from a previous run")
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return httpServer.ListenAndServe(groupCtx) })
	group.Go(func() error { return loop.Start(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// setCommitIdentity sets the repository's local user.name/user.email so
// that unsigned housekeeping commits (the public key commit, and
// autoblockchainify's commits) carry the service's identity. Signed
// evidence commits ignore this and go through signerpool/gpg instead.
func setCommitIdentity(repo *gitutil.Repository, identity string) error {
	open := strings.LastIndex(identity, "<")
	closeIdx := strings.LastIndex(identity, ">")
	if open < 0 || closeIdx < open {
		return fmt.Errorf("malformed identity %q, want \"Name <email>\"", identity)
	}
	name := strings.TrimSpace(identity[:open])
	email := identity[open+1 : closeIdx]

	if err := repo.SetConfig("user.name", name); err != nil {
		return err
	}
	return repo.SetConfig("user.email", email)
}

// ensurePublicKeyCommitted commits pubkey.asc at the repository root if it
// is not already present, so a fresh clone can discover the service's key
// without an out-of-band fetch.
func ensurePublicKeyCommitted(repo *gitutil.Repository, manager *pgpkey.Manager, keyID string) error {
	path := repo.Worktree() + string(os.PathSeparator) + pubkeyFileName
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	armor, err := manager.ExportPublicKey(keyID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, armor, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", pubkeyFileName, err)
	}

	if err := repo.Add(pubkeyFileName); err != nil {
		return err
	}
	_, err = repo.Commit(gitutil.CommitOptions{
		Message: "Add public timestamping key",
	})
	return err
}

const gitignoreFileName = ".gitignore"

// ensureMarkerIgnored seeds a .gitignore entry for the mail worker's marker
// file on first boot in autoblockchainify mode, so the catch-all unsigned
// commits in that mode never pick up an in-flight timestamp request.
func ensureMarkerIgnored(repo *gitutil.Repository) error {
	path := repo.Worktree() + string(os.PathSeparator) + gitignoreFileName
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if strings.Contains(string(existing), mailstamp.MarkerFileName) {
		return nil
	}

	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += mailstamp.MarkerFileName + "\n"

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", gitignoreFileName, err)
	}
	if err := repo.Add(gitignoreFileName); err != nil {
		return err
	}
	_, err = repo.Commit(gitutil.CommitOptions{
		Message: "Ignore in-flight timestamp marker file",
	})
	return err
}
