// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeitgitter/zeitgitterd/internal/signerpool"
	"github.com/zeitgitter/zeitgitterd/internal/stamper"
)

type fakeStamper struct {
	tagOut []byte
	tagErr error
	branchOut []byte
	branchErr error
}

func (f *fakeStamper) StampTag(context.Context, string, string) ([]byte, error) {
	return f.tagOut, f.tagErr
}

func (f *fakeStamper) StampBranch(context.Context, string, string, string) ([]byte, error) {
	return f.branchOut, f.branchErr
}

func TestGetPublicKey(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{}, PublicKeyArmor: []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----\n")}
	req := httptest.NewRequest(http.MethodGet, "/?request=get-public-key-v1", nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pgp-keys", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "BEGIN PGP PUBLIC KEY BLOCK")
}

func TestGetUnknownRequestIsNotAcceptable(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{}}
	req := httptest.NewRequest(http.MethodGet, "/?request=bogus", nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	require.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestPostStampTagSuccess(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{tagOut: []byte("object...\n")}}
	form := url.Values{"request": {"stamp-tag-v1"}, "commit": {strings.Repeat("1", 40)}, "tagname": {"t"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.ContentLength = int64(len(form.Encode()))
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/x-git-object", rec.Header().Get("Content-Type"))
	require.Equal(t, "object...\n", rec.Body.String())
}

func TestPostMissingContentLength(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("request=stamp-tag-v1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	require.Equal(t, http.StatusLengthRequired, rec.Code)
}

func TestPostBodyTooLarge(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{}}
	body := strings.Repeat("a", maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPostWrongContentType(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = 2
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestPostStampTagInvalidInput(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{tagErr: stamper.ErrInvalidCommit}}
	form := url.Values{"request": {"stamp-tag-v1"}, "commit": {"bogus"}, "tagname": {"t"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.ContentLength = int64(len(form.Encode()))
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	require.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestPostStampTagPoolTimeout(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{tagErr: signerpool.ErrTimeout}}
	form := url.Values{"request": {"stamp-tag-v1"}, "commit": {strings.Repeat("1", 40)}, "tagname": {"t"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.ContentLength = int64(len(form.Encode()))
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPostStampBranch(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{branchOut: []byte("tree...\n")}}
	form := url.Values{
		"request": {"stamp-branch-v1"},
		"commit": {strings.Repeat("1", 40)},
		"tree": {strings.Repeat("3", 40)},
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.ContentLength = int64(len(form.Encode()))
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "tree...\n", rec.Body.String())
}

func TestRespondInternalError(t *testing.T) {
	s := &Server{Stamper: &fakeStamper{tagErr: errors.New("boom")}}
	form := url.Values{"request": {"stamp-tag-v1"}, "commit": {strings.Repeat("1", 40)}, "tagname": {"t"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.ContentLength = int64(len(form.Encode()))
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
