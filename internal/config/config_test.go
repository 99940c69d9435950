// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers([]string{"https://a.example/", "main=https://b.example/"})
	require.NoError(t, err)
	require.Equal(t, []Peer{
		{URL: "https://a.example/"},
		{Branch: "main", URL: "https://b.example/"},
	}, peers)
}

func TestParseRemotesStarExpandsLater(t *testing.T) {
	remotes, err := ParseRemotes([]string{"origin=*", "backup=main,releases"})
	require.NoError(t, err)
	require.Equal(t, []Remote{
		{Name: "origin", Branches: []string{"*"}},
		{Name: "backup", Branches: []string{"main", "releases"}},
	}, remotes)
}

func TestResolveFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zeitgitterd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ownUrl: https://file.example\nnickname: filenick\n"), 0o644))

	cmd := &cobra.Command{Use: "serve", RunE: func(*cobra.Command, []string) error { return nil }}
	f := AddFlags(cmd)
	cmd.SetArgs([]string{"--config", path, "--own-url", "https://flag.example", "--repository", dir, "--domain", "example.org"})
	require.NoError(t, cmd.Execute())

	cfg, err := f.Resolve(cmd)
	require.NoError(t, err)
	require.Equal(t, "https://flag.example", cfg.OwnURL, "flag must win over file")
	require.Equal(t, "filenick", cfg.Nickname, "file value survives when no flag overrides it")
}

func TestValidateRejectsIncompleteMailConfig(t *testing.T) {
	cfg := defaults()
	cfg.RepositoryPath = "."
	cfg.Mail.Enabled = true
	require.Error(t, validate(cfg))
}

func TestFullIdentityDefault(t *testing.T) {
	cfg := defaults()
	cfg.Nickname = "hagrid"
	cfg.Domain = "snakeoil"
	require.Equal(t, "hagrid Timestamping Service <hagrid@snakeoil>", cfg.FullIdentity(""))
	require.Equal(t, "Explicit <explicit@example.org>", cfg.FullIdentity("Explicit <explicit@example.org>"))
}
