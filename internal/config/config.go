// SPDX-License-Identifier: Apache-2.0

// Package config loads the immutable Config struct that every component
// constructor takes explicitly, per the "replace global mutable
// configuration" design note. Flags are declared with spf13/cobra (grounded
// on gittuf's internal/cmd/root) and an optional YAML file supplies the same
// fields under lower-camel-case keys (grounded on
// slowdrip-network-slowdrip-miner's internal/config, the only config.Load
// pattern in the retrieval pack using gopkg.in/yaml.v3). Flags always win
// over the file; the file always wins over defaults().
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Peer is a "[branch=]url" cross-timestamp target.
type Peer struct {
	Branch string
	URL string
}

// Remote is a push destination with its branch list. A single
// "*" branch expands to `git push --all`.
type Remote struct {
	Name string
	Branches []string
}

// Mail holds the Mail Timestamp Worker's configuration.
type Mail struct {
	Enabled bool
	SMTPServer string
	SMTPUser string
	SMTPPassword string
	IMAPServer string
	IMAPUser string
	IMAPPassword string
	StamperFrom string
	StamperTo string
	StamperKeyID string
	NoDovecotBugWorkaround bool
}

// Config is the fully-resolved, immutable configuration for one zeitgitterd
// process. Nothing in the codebase outside cmd/zeitgitterd mutates it.
type Config struct {
	RepositoryPath string
	GnupgHome string
	GPGProgram string
	GitProgram string

	KeyID string
	Nickname string
	Domain string
	OwnURL string

	WorkingLogName string

	MaxParallelSignatures int
	MaxParallelTimeout time.Duration

	Interval time.Duration
	Offset time.Duration // negative means "pick randomly once at startup"
	UpstreamSleep time.Duration
	Peers []Peer
	Remotes []Remote
	Autoblockchainify bool
	ForceAfterIntervals int

	Mail Mail

	ListenAddress string // host:port; socket activation overrides this at runtime

	Verbose bool
	NoColor bool
}

// FullIdentity renders the "Nickname Timestamping Service <nickname@domain>"
// default identity used both as the GPG identity and as tagger/author on
// signed objects when no explicit identity was resolved to something else.
func (c *Config) FullIdentity(resolvedIdentity string) string {
	if resolvedIdentity != "" {
		return resolvedIdentity
	}
	return fmt.Sprintf("%s Timestamping Service <%s@%s>", c.Nickname, c.Nickname, c.Domain)
}

type fileConfig struct {
	RepositoryPath string `yaml:"repositoryPath"`
	GnupgHome string `yaml:"gnupgHome"`
	GPGProgram string `yaml:"gpgProgram"`
	GitProgram string `yaml:"gitProgram"`

	KeyID string `yaml:"keyId"`
	Nickname string `yaml:"nickname"`
	Domain string `yaml:"domain"`
	OwnURL string `yaml:"ownUrl"`

	WorkingLogName string `yaml:"workingLogName"`

	MaxParallelSignatures int `yaml:"maxParallelSignatures"`
	MaxParallelTimeout string `yaml:"maxParallelTimeout"`

	Interval string `yaml:"interval"`
	Offset string `yaml:"offset"`
	UpstreamSleep string `yaml:"upstreamSleep"`
	Peers []string `yaml:"peers"`
	Remotes []string `yaml:"remotes"`
	Autoblockchainify bool `yaml:"autoblockchainify"`
	ForceAfterIntervals int `yaml:"forceAfterIntervals"`

	Mail struct {
		Enabled bool `yaml:"enabled"`
		SMTPServer string `yaml:"smtpServer"`
		SMTPUser string `yaml:"smtpUser"`
		SMTPPassword string `yaml:"smtpPassword"`
		IMAPServer string `yaml:"imapServer"`
		IMAPUser string `yaml:"imapUser"`
		IMAPPassword string `yaml:"imapPassword"`
		StamperFrom string `yaml:"stamperFrom"`
		StamperTo string `yaml:"stamperTo"`
		StamperKeyID string `yaml:"stamperKeyId"`
		NoDovecotBugWorkaround bool `yaml:"noDovecotBugWorkaround"`
	} `yaml:"mail"`

	ListenAddress string `yaml:"listenAddress"`
}

// LoadFile parses a YAML config file into Config, applying package defaults()
// first. An empty path is a no-op (defaults() only).
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := mergeFile(cfg, &fc); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		GPGProgram: "gpg",
		GitProgram: "git",
		WorkingLogName: "hashes.work",
		MaxParallelSignatures: 10,
		MaxParallelTimeout: 0,
		Interval: 1 * time.Hour,
		Offset: -1,
		UpstreamSleep: 2 * time.Second,
		ForceAfterIntervals: 24,
		ListenAddress: ":15177",
	}
}

func mergeFile(cfg *Config, fc *fileConfig) error {
	setString(&cfg.RepositoryPath, fc.RepositoryPath)
	setString(&cfg.GnupgHome, fc.GnupgHome)
	setString(&cfg.GPGProgram, fc.GPGProgram)
	setString(&cfg.GitProgram, fc.GitProgram)
	setString(&cfg.KeyID, fc.KeyID)
	setString(&cfg.Nickname, fc.Nickname)
	setString(&cfg.Domain, fc.Domain)
	setString(&cfg.OwnURL, fc.OwnURL)
	setString(&cfg.WorkingLogName, fc.WorkingLogName)
	setString(&cfg.ListenAddress, fc.ListenAddress)

	if fc.MaxParallelSignatures != 0 {
		cfg.MaxParallelSignatures = fc.MaxParallelSignatures
	}
	if fc.ForceAfterIntervals != 0 {
		cfg.ForceAfterIntervals = fc.ForceAfterIntervals
	}
	cfg.Autoblockchainify = cfg.Autoblockchainify || fc.Autoblockchainify

	var err error
	if cfg.MaxParallelTimeout, err = parseOptionalDuration(fc.MaxParallelTimeout, cfg.MaxParallelTimeout); err != nil {
		return err
	}
	if cfg.Interval, err = parseOptionalDuration(fc.Interval, cfg.Interval); err != nil {
		return err
	}
	if fc.Offset != "" {
		if cfg.Offset, err = time.ParseDuration(fc.Offset); err != nil {
			return fmt.Errorf("offset: %w", err)
		}
	}
	if cfg.UpstreamSleep, err = parseOptionalDuration(fc.UpstreamSleep, cfg.UpstreamSleep); err != nil {
		return err
	}

	if len(fc.Peers) > 0 {
		peers, err := ParsePeers(fc.Peers)
		if err != nil {
			return err
		}
		cfg.Peers = peers
	}
	if len(fc.Remotes) > 0 {
		remotes, err := ParseRemotes(fc.Remotes)
		if err != nil {
			return err
		}
		cfg.Remotes = remotes
	}

	cfg.Mail.Enabled = cfg.Mail.Enabled || fc.Mail.Enabled
	setString(&cfg.Mail.SMTPServer, fc.Mail.SMTPServer)
	setString(&cfg.Mail.SMTPUser, fc.Mail.SMTPUser)
	setString(&cfg.Mail.SMTPPassword, fc.Mail.SMTPPassword)
	setString(&cfg.Mail.IMAPServer, fc.Mail.IMAPServer)
	setString(&cfg.Mail.IMAPUser, fc.Mail.IMAPUser)
	setString(&cfg.Mail.IMAPPassword, fc.Mail.IMAPPassword)
	setString(&cfg.Mail.StamperFrom, fc.Mail.StamperFrom)
	setString(&cfg.Mail.StamperTo, fc.Mail.StamperTo)
	setString(&cfg.Mail.StamperKeyID, fc.Mail.StamperKeyID)
	cfg.Mail.NoDovecotBugWorkaround = cfg.Mail.NoDovecotBugWorkaround || fc.Mail.NoDovecotBugWorkaround

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseOptionalDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// ParsePeers parses "[branch=]url" cross-timestamp peer entries, used for
// both the --peer flag and the YAML config file's peers list.
func ParsePeers(raw []string) ([]Peer, error) {
	peers := make([]Peer, 0, len(raw))
	for _, entry := range raw {
		if entry == "" {
			continue
		}
		if branch, url, ok := strings.Cut(entry, "="); ok {
			peers = append(peers, Peer{Branch: branch, URL: url})
		} else {
			peers = append(peers, Peer{URL: entry})
		}
	}
	return peers, nil
}

// ParseRemotes parses "name=branch1,branch2" entries; a lone "name" means
// push HEAD's current branch; "name=*" expands to `git push name --all`.
func ParseRemotes(raw []string) ([]Remote, error) {
	remotes := make([]Remote, 0, len(raw))
	for _, entry := range raw {
		if entry == "" {
			continue
		}
		name, branchList, ok := strings.Cut(entry, "=")
		if !ok {
			remotes = append(remotes, Remote{Name: name})
			continue
		}
		remotes = append(remotes, Remote{Name: name, Branches: strings.Split(branchList, ",")})
	}
	return remotes, nil
}

// Flags describes the cobra flag set mirrored onto a Config, grounded on
// gittuf's internal/cmd/root options pattern.
type Flags struct {
	configFile string
	peers []string
	remotes []string

	cfg *Config
}

// AddFlags registers every flag on cmd's flag set and returns the Flags
// handle used to resolve the final Config in PreRunE/RunE.
func AddFlags(cmd *cobra.Command) *Flags {
	f := &Flags{cfg: defaults()}

	cmd.Flags().StringVar(&f.configFile, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&f.cfg.RepositoryPath, "repository", ".", "path to the timestamping Git repository")
	cmd.Flags().StringVar(&f.cfg.GnupgHome, "gnupg-home", "", "GNUPGHOME for the signing keystore (default: OS default)")
	cmd.Flags().StringVar(&f.cfg.KeyID, "key-id", "", "signing key id, or \"Name <email>\" to create one")
	cmd.Flags().StringVar(&f.cfg.Nickname, "nickname", "", "service nickname used to derive a signing identity")
	cmd.Flags().StringVar(&f.cfg.Domain, "domain", "", "service domain used to derive a signing identity")
	cmd.Flags().StringVar(&f.cfg.OwnURL, "own-url", "", "URL embedded in issued timestamps' watch line")
	cmd.Flags().IntVar(&f.cfg.MaxParallelSignatures, "max-parallel-signatures", f.cfg.MaxParallelSignatures, "signer pool concurrency cap")
	cmd.Flags().DurationVar(&f.cfg.MaxParallelTimeout, "max-parallel-timeout", f.cfg.MaxParallelTimeout, "signer pool acquire timeout, 0 = wait forever")
	cmd.Flags().DurationVar(&f.cfg.Interval, "interval", f.cfg.Interval, "commit loop tick interval")
	cmd.Flags().DurationVar(&f.cfg.UpstreamSleep, "upstream-sleep", f.cfg.UpstreamSleep, "sleep between sequential peer cross-timestamps")
	cmd.Flags().StringArrayVar(&f.peers, "peer", nil, "[branch=]url cross-timestamp peer, repeatable")
	cmd.Flags().StringArrayVar(&f.remotes, "remote", nil, "name[=branch1,branch2] push target, repeatable")
	cmd.Flags().BoolVar(&f.cfg.Autoblockchainify, "autoblockchainify", false, "degenerate unsigned periodic-commit mode")
	cmd.Flags().IntVar(&f.cfg.ForceAfterIntervals, "force-after-intervals", f.cfg.ForceAfterIntervals, "autoblockchainify: force a commit even without changes after N ticks")
	cmd.Flags().BoolVar(&f.cfg.Mail.Enabled, "stamper-email", false, "enable the email cross-timestamp protocol")
	cmd.Flags().StringVar(&f.cfg.Mail.SMTPServer, "smtp-server", "", "SMTP server host:port")
	cmd.Flags().StringVar(&f.cfg.Mail.IMAPServer, "imap-server", "", "IMAP server host:port")
	cmd.Flags().StringVar(&f.cfg.Mail.StamperFrom, "stamper-from", "", "expected From: address of PGP timestamping replies")
	cmd.Flags().StringVar(&f.cfg.Mail.StamperTo, "stamper-to", "", "recipient address of PGP timestamping requests")
	cmd.Flags().StringVar(&f.cfg.Mail.StamperKeyID, "stamper-key-id", "", "PGP key id the timestamping authority signs replies with")
	cmd.Flags().BoolVar(&f.cfg.Mail.NoDovecotBugWorkaround, "no-dovecot-bug-workaround", false, "disable truncating stamper-from by one character in IMAP SEARCH")
	cmd.Flags().StringVar(&f.cfg.ListenAddress, "listen", f.cfg.ListenAddress, "HTTP listen address, ignored under systemd socket activation")
	cmd.Flags().BoolVar(&f.cfg.Verbose, "verbose", false, "enable verbose logging")
	cmd.Flags().BoolVar(&f.cfg.NoColor, "no-color", false, "disable colored log output")

	return f
}

// Resolve merges the config file (if any) under the flag values and returns
// the final Config. Flags win: a flag the user actually set overrides
// whatever the file specified.
func (f *Flags) Resolve(cmd *cobra.Command) (*Config, error) {
	fileCfg, err := LoadFile(f.configFile)
	if err != nil {
		return nil, err
	}

	final := *fileCfg
	flagSet := cmd.Flags()
	applyIfChanged := func(name string, apply func()) {
		if flagSet.Changed(name) {
			apply()
		}
	}

	applyIfChanged("repository", func() { final.RepositoryPath = f.cfg.RepositoryPath })
	applyIfChanged("gnupg-home", func() { final.GnupgHome = f.cfg.GnupgHome })
	applyIfChanged("key-id", func() { final.KeyID = f.cfg.KeyID })
	applyIfChanged("nickname", func() { final.Nickname = f.cfg.Nickname })
	applyIfChanged("domain", func() { final.Domain = f.cfg.Domain })
	applyIfChanged("own-url", func() { final.OwnURL = f.cfg.OwnURL })
	applyIfChanged("max-parallel-signatures", func() { final.MaxParallelSignatures = f.cfg.MaxParallelSignatures })
	applyIfChanged("max-parallel-timeout", func() { final.MaxParallelTimeout = f.cfg.MaxParallelTimeout })
	applyIfChanged("interval", func() { final.Interval = f.cfg.Interval })
	applyIfChanged("upstream-sleep", func() { final.UpstreamSleep = f.cfg.UpstreamSleep })
	applyIfChanged("autoblockchainify", func() { final.Autoblockchainify = f.cfg.Autoblockchainify })
	applyIfChanged("force-after-intervals", func() { final.ForceAfterIntervals = f.cfg.ForceAfterIntervals })
	applyIfChanged("stamper-email", func() { final.Mail.Enabled = f.cfg.Mail.Enabled })
	applyIfChanged("smtp-server", func() { final.Mail.SMTPServer = f.cfg.Mail.SMTPServer })
	applyIfChanged("imap-server", func() { final.Mail.IMAPServer = f.cfg.Mail.IMAPServer })
	applyIfChanged("stamper-from", func() { final.Mail.StamperFrom = f.cfg.Mail.StamperFrom })
	applyIfChanged("stamper-to", func() { final.Mail.StamperTo = f.cfg.Mail.StamperTo })
	applyIfChanged("stamper-key-id", func() { final.Mail.StamperKeyID = f.cfg.Mail.StamperKeyID })
	applyIfChanged("no-dovecot-bug-workaround", func() { final.Mail.NoDovecotBugWorkaround = f.cfg.Mail.NoDovecotBugWorkaround })
	applyIfChanged("listen", func() { final.ListenAddress = f.cfg.ListenAddress })
	applyIfChanged("verbose", func() { final.Verbose = f.cfg.Verbose })
	applyIfChanged("no-color", func() { final.NoColor = f.cfg.NoColor })

	if len(f.peers) > 0 {
		peers, err := ParsePeers(f.peers)
		if err != nil {
			return nil, err
		}
		final.Peers = peers
	}
	if len(f.remotes) > 0 {
		remotes, err := ParseRemotes(f.remotes)
		if err != nil {
			return nil, err
		}
		final.Remotes = remotes
	}

	if err := validate(&final); err != nil {
		return nil, err
	}
	return &final, nil
}

func validate(c *Config) error {
	if c.RepositoryPath == "" {
		return fmt.Errorf("repository path must not be empty")
	}
	if c.MaxParallelSignatures <= 0 {
		return fmt.Errorf("max-parallel-signatures must be positive")
	}
	if c.Mail.Enabled {
		if c.Mail.SMTPServer == "" || c.Mail.IMAPServer == "" {
			return fmt.Errorf("stamper-email requires --smtp-server and --imap-server")
		}
		if c.Mail.StamperFrom == "" || c.Mail.StamperKeyID == "" {
			return fmt.Errorf("stamper-email requires --stamper-from and --stamper-key-id")
		}
	}
	return nil
}
