// SPDX-License-Identifier: Apache-2.0

package gitutil

import (
	"errors"
	"regexp"
	"strings"
)

var hexCommitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

var ErrInvalidHash = errors.New("not a 40 character lowercase hex Git object id")

// Hash is a validated 40-character lowercase hex Git object id. Unlike a bare
// string, once constructed via NewHash it is known to satisfy the wire
// fingerprint format required throughout the service.
type Hash struct {
	hex string
}

func (h Hash) String() string {
	return h.hex
}

func (h Hash) IsZero() bool {
	return h.hex == ""
}

// NewHash validates s against the fingerprint format and, critically,
// rejects any embedded newline even though the regexp alone would already
// fail such input -- the explicit check makes that requirement visible
// rather than relying on regexp anchoring semantics.
func NewHash(s string) (Hash, error) {
	if !hexCommitPattern.MatchString(s) || strings.Contains(s, "\n") {
		return Hash{}, ErrInvalidHash
	}
	return Hash{hex: s}, nil
}
