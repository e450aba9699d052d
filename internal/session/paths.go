package session

import (
	"path"
	"strings"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

// RemotePrefix marks the remote side of a copy argument.
const RemotePrefix = ":"

// Transfer is a parsed copy request.
type Transfer struct {
	Local  string
	Remote string
	Upload bool
}

// ParseTransfer decides the direction of a copy from which of src and
// dst carries the remote prefix. Exactly one must.
func ParseTransfer(src, dst string) (Transfer, error) {
	srcRemote := strings.HasPrefix(src, RemotePrefix)
	dstRemote := strings.HasPrefix(dst, RemotePrefix)

	switch {
	case srcRemote && dstRemote:
		return Transfer{}, apperr.Newf(apperr.KindUserInput, "session", "",
			"both source and destination are remote")
	case !srcRemote && !dstRemote:
		return Transfer{}, apperr.Newf(apperr.KindUserInput, "session", "",
			"one of source or destination must be remote (prefix it with %s)", RemotePrefix)
	case dstRemote:
		t := Transfer{Local: src, Remote: strings.TrimPrefix(dst, RemotePrefix), Upload: true}
		return t, validateTransfer(t)
	default:
		t := Transfer{Local: dst, Remote: strings.TrimPrefix(src, RemotePrefix)}
		return t, validateTransfer(t)
	}
}

func validateTransfer(t Transfer) error {
	if t.Local == "" {
		return apperr.Newf(apperr.KindUserInput, "session", "", "empty local path")
	}
	if strings.ContainsAny(t.Remote, "\x00\n") {
		return apperr.Newf(apperr.KindUserInput, "session", t.Remote, "invalid remote path")
	}
	return nil
}

// remotePath maps a user-supplied path onto one the remote shell can
// take quoted. Relative paths and ~ resolve against the login directory.
func remotePath(p string) string {
	switch {
	case p == "" || p == "~":
		return "."
	case strings.HasPrefix(p, "~/"):
		if rest := strings.TrimLeft(strings.TrimPrefix(p, "~/"), "/"); rest != "" {
			return rest
		}
		return "."
	default:
		return p
	}
}

// remoteTarget appends base when the remote path names a directory.
func remoteTarget(remote, base string) string {
	r := remotePath(remote)
	if r == "." || strings.HasSuffix(r, "/") {
		return path.Join(r, base)
	}
	return r
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
