// SPDX-License-Identifier: Apache-2.0

package mailstamp

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	beginSigned = "-----BEGIN PGP SIGNED MESSAGE-----"
	endSig = "-----END PGP SIGNATURE-----"
	maxDecorationLines = 20
)

var (
	ErrArmorNotFound = errors.New("no PGP signed message block found")
	ErrMarkerNotContained = errors.New("marker body not found contiguously inside signed block")
	ErrTooMuchDecoration = errors.New("too many leading or trailing decoration lines")
	ErrVerificationFailed = errors.New("pgp signature verification failed")
	ErrSignatureTimeOut = errors.New("signature time outside acceptance window")
)

var decorationLine = regexp.MustCompile(`^$|^[#-]`)

// extractArmorBlock returns the substring of text bounded by the PGP signed
// message header and the PGP signature trailer, inclusive.
func extractArmorBlock(text string) (string, error) {
	start := strings.Index(text, beginSigned)
	if start < 0 {
		return "", ErrArmorNotFound
	}
	endMarker := strings.Index(text[start:], endSig)
	if endMarker < 0 {
		return "", ErrArmorNotFound
	}
	end := start + endMarker + len(endSig)
	// include the trailing newline of the END line, if present.
	if end < len(text) && text[end] == '\n' {
		end++
	}
	return text[start:end], nil
}

// containsMarkerContiguously checks that the marker bytes appear as a
// contiguous run of lines inside the armor block, preceded by at most 20
// lines matching ^$|^[#-] and followed by at most 20 blank lines before the
// signature itself begins.
func containsMarkerContiguously(armor, marker string) error {
	markerLines := splitLines(strings.TrimRight(marker, "\n"))
	armorLines := splitLines(armor)

	idx := indexOfSubsequence(armorLines, markerLines)
	if idx < 0 {
		return ErrMarkerNotContained
	}

	leading := armorLines[:idx]
	if len(leading) > maxDecorationLines {
		return ErrTooMuchDecoration
	}
	for _, l := range leading {
		if !decorationLine.MatchString(l) {
			return ErrTooMuchDecoration
		}
	}

	after := armorLines[idx+len(markerLines):]
	blankCount := 0
	for _, l := range after {
		if l == "" {
			blankCount++
			continue
		}
		break
	}
	if blankCount > maxDecorationLines {
		return ErrTooMuchDecoration
	}
	if blankCount == len(after) || after[blankCount] != "-----BEGIN PGP SIGNATURE-----" {
		return ErrTooMuchDecoration
	}
	return nil
}

func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

func indexOfSubsequence(haystack, needle []string) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, n := range needle {
			if haystack[i+j] != n {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

var (
	goodSignature = regexp.MustCompile(`Good signature`)
	signatureMade = regexp.MustCompile(`Signature made (.+?) using`)
	keyIDPattern = regexp.MustCompile(`key ID ([0-9A-Fa-f]+)`)
)

// verifyPGP2 shells out to `gpg --pgp2 --verify` in a forced LANG=C TZ=UTC
// environment, since GnuPG's diagnostic output is locale- and
// timezone-sensitive and the acceptance checks below parse that output.
func verifyPGP2(program string, armor []byte) (stderr string, err error) {
	cmd := exec.Command(program, "--pgp2", "--verify") //nolint:gosec
	cmd.Env = forcedLocaleEnv()
	cmd.Stdin = bytes.NewReader(armor)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()
	return out.String(), runErr
}

func forcedLocaleEnv() []string {
	return []string{"LANG=C", "LC_ALL=C", "TZ=UTC", "PATH=/usr/bin:/bin"}
}

// acceptReply runs the gpg-side acceptance checks on an already extracted
// armor block: PGP v2 verification, "Good signature", key id match, and a
// signature time within [mtime-30s, now+30s]. Extraction and marker
// containment are done by the caller.
func acceptReply(program string, armor []byte, stamperKeyID string, mtime, now time.Time) error {
	stderr, err := verifyPGP2(program, armor)
	combined := stderr
	if err != nil && !goodSignature.MatchString(combined) {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.TrimSpace(combined))
	}
	if !goodSignature.MatchString(combined) {
		return fmt.Errorf("%w: no \"Good signature\" in gpg output", ErrVerificationFailed)
	}

	keyMatch := keyIDPattern.FindStringSubmatch(combined)
	if keyMatch == nil || !strings.EqualFold(keyMatch[1], stamperKeyID) && !strings.HasSuffix(strings.ToUpper(keyMatch[1]), strings.ToUpper(stamperKeyID)) {
		return fmt.Errorf("%w: key ID does not match %s", ErrVerificationFailed, stamperKeyID)
	}

	timeMatch := signatureMade.FindStringSubmatch(combined)
	if timeMatch == nil {
		return fmt.Errorf("%w: no signature timestamp in gpg output", ErrVerificationFailed)
	}
	sigTime, err := parseGPGTimestamp(timeMatch[1])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, err)
	}

	windowStart := mtime.Add(-30 * time.Second)
	windowEnd := now.Add(30 * time.Second)
	if sigTime.Before(windowStart) || sigTime.After(windowEnd) {
		return fmt.Errorf("%w: signature time %s outside [%s, %s]", ErrSignatureTimeOut, sigTime, windowStart, windowEnd)
	}
	return nil
}

// parseGPGTimestamp parses the handful of date layouts GnuPG emits under
// LANG=C for "Signature made...".
func parseGPGTimestamp(s string) (time.Time, error) {
	layouts := []string{
		"Mon Jan 2 15:04:05 2006 MST",
		"Mon Jan 2 15:04:05 2006 MST",
		time.RFC1123,
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
