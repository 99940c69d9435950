// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements the HTTP Front End: a single-path
// service that serves the public key and dispatches stamp-tag/stamp-branch
// requests to a Stamper. It uses stdlib net/http rather than a routing
// library such as gorilla/mux (seen in antgroup-hugescm) because the wire
// protocol is one path with a request= discriminator, not a path-addressed
// REST surface -- a router buys nothing here. Socket activation is done by
// hand against LISTEN_PID/LISTEN_FDS rather than coreos/go-systemd/
// activation, since no example in the retrieval pack pulls that dependency
// and the logic it would save is a few lines.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/zeitgitter/zeitgitterd/internal/signerpool"
	"github.com/zeitgitter/zeitgitterd/internal/stamper"
)

const maxBodyBytes = 1000

// Stamper is the subset of *stamper.Stamper the front end depends on.
type Stamper interface {
	StampTag(ctx context.Context, commit, tagName string) ([]byte, error)
	StampBranch(ctx context.Context, commit, parent, tree string) ([]byte, error)
}

// Server serves the HTTP wire protocol: GET for the public key, POST for
// stamp-tag-v1 and stamp-branch-v1 requests.
type Server struct {
	Stamper Stamper
	PublicKeyArmor []byte
	ListenAddress string
	Logger *slog.Logger

	httpServer *http.Server
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ListenAndServe blocks serving requests, adopting a systemd-activated
// socket on fd 3 when the environment declares exactly one. ctx
// cancellation triggers a graceful shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	s.httpServer = &http.Server{Handler: mux}

	ln, err := s.listener()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.logger().Info("http front end shutting down")
		return s.httpServer.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// listener adopts a systemd LISTEN_FDS socket if present and addressed to
// this process, otherwise binds ListenAddress normally.
func (s *Server) listener() (net.Listener, error) {
	if pid, ok := os.LookupEnv("LISTEN_PID"); ok {
		if n, err := strconv.Atoi(pid); err == nil && n == os.Getpid() {
			if fds, ok := os.LookupEnv("LISTEN_FDS"); ok && fds == "1" {
				const firstSocketFD = 3
				file := os.NewFile(uintptr(firstSocketFD), "listen-fd-3")
				ln, err := net.FileListener(file)
				if err != nil {
					return nil, fmt.Errorf("adopt socket-activated fd: %w", err)
				}
				s.logger().Info("adopted systemd socket activation", "fd", firstSocketFD)
				return ln, nil
			}
		}
	}
	return net.Listen("tcp", s.ListenAddress)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodPost:
		s.handlePost(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("request") != "get-public-key-v1" {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	w.Header().Set("Content-Type", "application/pgp-keys")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.PublicKeyArmor)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		w.WriteHeader(http.StatusLengthRequired)
		return
	}
	if r.ContentLength > maxBodyBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if !acceptableContentType(contentType) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		if err := r.ParseForm(); err != nil {
			s.fail(w, r, http.StatusNotAcceptable, "unable to parse request body", err)
			return
		}
	}

	switch r.FormValue("request") {
	case "stamp-tag-v1":
		s.stampTag(w, r)
	case "stamp-branch-v1":
		s.stampBranch(w, r)
	default:
		w.WriteHeader(http.StatusNotAcceptable)
	}
}

func acceptableContentType(contentType string) bool {
	switch {
	case contentType == "application/x-www-form-urlencoded":
		return true
	case len(contentType) >= len("multipart/form-data") && contentType[:len("multipart/form-data")] == "multipart/form-data":
		return true
	default:
		return false
	}
}

func (s *Server) stampTag(w http.ResponseWriter, r *http.Request) {
	commit := r.FormValue("commit")
	tagName := r.FormValue("tagname")

	out, err := s.Stamper.StampTag(r.Context(), commit, tagName)
	s.respond(w, r, out, err)
}

func (s *Server) stampBranch(w http.ResponseWriter, r *http.Request) {
	commit := r.FormValue("commit")
	tree := r.FormValue("tree")
	parent := r.FormValue("parent")

	out, err := s.Stamper.StampBranch(r.Context(), commit, parent, tree)
	s.respond(w, r, out, err)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, out []byte, err error) {
	if err != nil {
		switch {
		case errors.Is(err, stamper.ErrInvalidCommit),
			errors.Is(err, stamper.ErrInvalidTag),
			errors.Is(err, stamper.ErrInvalidTree),
			errors.Is(err, stamper.ErrInvalidParent):
			w.WriteHeader(http.StatusNotAcceptable)
		case errors.Is(err, signerpool.ErrTimeout):
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			s.logger().Error("stamp request failed", "error", err, "path", r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-git-object")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	s.logger().Warn(msg, "error", err, "path", r.URL.Path)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
