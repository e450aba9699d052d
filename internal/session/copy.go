package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

// CopyResult reports what a transfer moved.
type CopyResult struct {
	Local  string
	Remote string
	Bytes  int64
	Files  int
}

// Upload sends one local file. A remote path ending in / or naming the
// login directory receives the file under its local base name.
func (s *Session) Upload(ctx context.Context, local, remote string) (*CopyResult, error) {
	if err := s.require(Copy); err != nil {
		return nil, err
	}
	f, err := os.Open(local)
	if err != nil {
		return nil, apperr.New(apperr.KindUserInput, "session", local, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, apperr.New(apperr.KindUserInput, "session", local, err)
	}
	if info.IsDir() {
		return nil, apperr.Newf(apperr.KindUserInput, "session", local, "is a directory; copy it recursively")
	}

	target := remoteTarget(remote, filepath.Base(local))
	quoted := shellQuote(target)
	src := &countingReader{r: f}
	var out bytes.Buffer
	var errOut stderrTail

	code, err := s.Run(ctx, fmt.Sprintf("cat > %s && wc -c < %s", quoted, quoted), src, &out, &errOut)
	if err != nil {
		return nil, s.partial(err, src.n, info.Size())
	}
	if code != 0 {
		return nil, s.remoteFailed(target, code, errOut.String())
	}

	written, perr := parseCount(out.String())
	if perr != nil || written != info.Size() || src.n != info.Size() {
		return nil, apperr.Newf(apperr.KindTransport, "session", target,
			"partial transfer: sent %d, remote has %d, expected %d bytes", src.n, written, info.Size())
	}
	logging.Debug("uploaded file", "local", local, "remote", target, "bytes", written)
	return &CopyResult{Local: local, Remote: target, Bytes: written, Files: 1}, nil
}

// Download fetches one remote file. The bytes land in a temp file next
// to the destination and are renamed into place only after the count
// matches, so an interrupted transfer never leaves a truncated file.
func (s *Session) Download(ctx context.Context, remote, local string) (*CopyResult, error) {
	if err := s.require(Copy); err != nil {
		return nil, err
	}
	src := remotePath(remote)
	quoted := shellQuote(src)

	var out bytes.Buffer
	var errOut stderrTail
	code, err := s.Run(ctx, "wc -c < "+quoted, nil, &out, &errOut)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "session", src, "remote file not readable: %s", errOut.String())
	}
	expected, err := parseCount(out.String())
	if err != nil {
		return nil, apperr.New(apperr.KindTransport, "session", src, err)
	}

	dest := local
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		dest = filepath.Join(local, path.Base(src))
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".ec2-cli-copy-*")
	if err != nil {
		return nil, apperr.New(apperr.KindUserInput, "session", dest, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	sink := &countingWriter{w: tmp}
	var catErr stderrTail
	code, err = s.Run(ctx, "cat "+quoted, nil, sink, &catErr)
	if err != nil {
		return nil, s.partial(err, sink.n, expected)
	}
	if code != 0 {
		return nil, s.remoteFailed(src, code, catErr.String())
	}
	if sink.n != expected {
		return nil, apperr.Newf(apperr.KindTransport, "session", src,
			"partial transfer: received %d of %d bytes", sink.n, expected)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return nil, apperr.New(apperr.KindInternal, "session", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, apperr.New(apperr.KindInternal, "session", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return nil, apperr.New(apperr.KindInternal, "session", dest, err)
	}
	committed = true
	logging.Debug("downloaded file", "remote", src, "local", dest, "bytes", sink.n)
	return &CopyResult{Local: dest, Remote: src, Bytes: sink.n, Files: 1}, nil
}

// UploadTree streams a local directory as a gzip tar and unpacks it
// remotely. tar exits non-zero on a truncated stream, so an interrupted
// transfer reports failure.
func (s *Session) UploadTree(ctx context.Context, localDir, remote string) (*CopyResult, error) {
	if err := s.require(Copy); err != nil {
		return nil, err
	}
	info, err := os.Stat(localDir)
	if err != nil {
		return nil, apperr.New(apperr.KindUserInput, "session", localDir, err)
	}
	if !info.IsDir() {
		return nil, apperr.Newf(apperr.KindUserInput, "session", localDir, "not a directory")
	}

	target := remoteTarget(remote, filepath.Base(filepath.Clean(localDir)))
	quoted := shellQuote(target)

	pr, pw := io.Pipe()
	packed := make(chan archiveStats, 1)
	go func() {
		stats, err := writeArchive(pw, localDir)
		stats.err = err
		_ = pw.CloseWithError(err)
		packed <- stats
	}()

	var errOut stderrTail
	code, err := s.Run(ctx, fmt.Sprintf("mkdir -p %s && tar -xzf - -C %s", quoted, quoted), pr, io.Discard, &errOut)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	stats := <-packed
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, s.remoteFailed(target, code, errOut.String())
	}
	// tar may exit before consuming trailing padding; a closed pipe after
	// a clean remote exit is not a failure.
	if stats.err != nil && !errors.Is(stats.err, io.ErrClosedPipe) {
		return nil, apperr.New(apperr.KindUserInput, "session", localDir, stats.err)
	}
	logging.Debug("uploaded tree", "local", localDir, "remote", target, "files", stats.files, "bytes", stats.bytes)
	return &CopyResult{Local: localDir, Remote: target, Bytes: stats.bytes, Files: stats.files}, nil
}

// DownloadTree fetches a remote directory. Entries are unpacked into a
// staging directory and moved into place after the stream completes.
func (s *Session) DownloadTree(ctx context.Context, remote, localDir string) (*CopyResult, error) {
	if err := s.require(Copy); err != nil {
		return nil, err
	}
	src := remotePath(remote)

	dest := localDir
	if info, err := os.Stat(localDir); err == nil && info.IsDir() {
		dest = filepath.Join(localDir, path.Base(path.Clean(src)))
	}
	staging, err := os.MkdirTemp(filepath.Dir(dest), ".ec2-cli-copy-*")
	if err != nil {
		return nil, apperr.New(apperr.KindUserInput, "session", dest, err)
	}
	defer os.RemoveAll(staging)

	pr, pw := io.Pipe()
	type runResult struct {
		code int
		err  error
	}
	ran := make(chan runResult, 1)
	var errOut stderrTail
	go func() {
		code, err := s.Run(ctx, "tar -czf - -C "+shellQuote(src)+" .", nil, pw, &errOut)
		if err == nil && code != 0 {
			_ = pw.CloseWithError(fmt.Errorf("remote tar exited %d", code))
		} else {
			_ = pw.CloseWithError(err)
		}
		ran <- runResult{code, err}
	}()

	stats, xerr := readArchive(pr, staging)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	r := <-ran
	switch {
	case r.err != nil && apperr.KindOf(r.err) == apperr.KindCancelled:
		return nil, r.err
	case r.err == nil && r.code != 0:
		return nil, s.remoteFailed(src, r.code, errOut.String())
	case xerr != nil:
		return nil, apperr.New(apperr.KindTransport, "session", src, fmt.Errorf("unpack: %w", xerr))
	case r.err != nil:
		return nil, r.err
	}
	if err := place(staging, dest); err != nil {
		return nil, apperr.New(apperr.KindInternal, "session", dest, err)
	}
	logging.Debug("downloaded tree", "remote", src, "local", dest, "files", stats.files, "bytes", stats.bytes)
	return &CopyResult{Local: dest, Remote: src, Bytes: stats.bytes, Files: stats.files}, nil
}

func (s *Session) partial(err error, moved, expected int64) error {
	if apperr.KindOf(err) == apperr.KindCancelled {
		return apperr.New(apperr.KindCancelled, "session", s.Env.Name,
			fmt.Errorf("transfer interrupted after %d of %d bytes: %w", moved, expected, err))
	}
	return apperr.New(apperr.KindTransport, "session", s.Env.Name,
		fmt.Errorf("partial transfer: %d of %d bytes: %w", moved, expected, err))
}

func (s *Session) remoteFailed(target string, code int, stderr string) error {
	if stderr == "" {
		stderr = "no output"
	}
	return apperr.Newf(apperr.KindTransport, "session", target, "remote command exited %d: %s", code, stderr)
}

func parseCount(out string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected byte count %q", strings.TrimSpace(out))
	}
	return n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
