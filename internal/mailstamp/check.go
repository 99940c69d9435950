// SPDX-License-Identifier: Apache-2.0

package mailstamp

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// searchFrom works around IMAP servers that mis-handle the trailing
// character of a quoted address in SEARCH; unless the workaround is
// disabled, the last character of stamperFrom is stripped before searching.
func searchFrom(stamperFrom string, noDovecotBugWorkaround bool) string {
	if noDovecotBugWorkaround || stamperFrom == "" {
		return stamperFrom
	}
	return stamperFrom[:len(stamperFrom)-1]
}

// check runs one IMAP search-and-validate pass. It returns
// true if a reply was found and accepted (and the marker/signature files and
// IMAP state have been updated accordingly).
func (w *Worker) check(c *client.Client, markerSize int64, mtime time.Time) (bool, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("From", searchFrom(w.cfg.StamperFrom, w.cfg.NoDovecotBugWorkaround))
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Larger = uint32(markerSize)
	criteria.Smaller = uint32(markerSize + searchWindow)

	ids, err := c.Search(criteria)
	if err != nil {
		return false, fmt.Errorf("imap search: %w", err)
	}
	if len(ids) == 0 {
		return false, nil
	}

	marker, err := os.ReadFile(w.markerPath())
	if err != nil {
		return false, err
	}

	section := &imap.BodySectionName{Specifier: imap.TextSpecifier}
	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, len(ids))
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			w.logger().Warn("reading IMAP message body failed", "error", err)
			continue
		}

		if err := w.validateAndAccept(string(raw), marker, mtime); err != nil {
			w.logger().Warn("email reply rejected", "seq", msg.SeqNum, "error", err)
			continue
		}

		deleteSet := new(imap.SeqSet)
		deleteSet.AddNum(msg.SeqNum)
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.Store(deleteSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
			w.logger().Warn("marking email deleted failed", "error", err)
		}
		if err := <-fetchErr; err != nil {
			w.logger().Warn("imap fetch reported an error after a valid reply", "error", err)
		}
		return true, nil
	}

	if err := <-fetchErr; err != nil {
		return false, fmt.Errorf("imap fetch: %w", err)
	}
	return false, nil
}

// validateAndAccept runs extraction, marker matching, and signature
// verification on one candidate message body, and on success writes the
// signature file and removes the marker.
func (w *Worker) validateAndAccept(replyText string, marker []byte, mtime time.Time) error {
	armor, err := extractArmorBlock(replyText)
	if err != nil {
		return err
	}
	if err := containsMarkerContiguously(armor, string(marker)); err != nil {
		return err
	}
	if err := acceptReply(w.cfg.GPGProgram, []byte(armor), w.cfg.StamperKeyID, mtime, w.cfg.Clock.Now()); err != nil {
		return err
	}

	armorWithNewline := strings.TrimRight(armor, "\n") + "\n"
	if err := os.WriteFile(w.signaturePath(), []byte(armorWithNewline), 0o644); err != nil {
		return fmt.Errorf("write signature file: %w", err)
	}
	if err := os.Remove(w.markerPath()); err != nil {
		return fmt.Errorf("remove marker file: %w", err)
	}
	return nil
}
