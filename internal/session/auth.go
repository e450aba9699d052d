package session

import (
	"errors"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

// DefaultKeyFiles are tried under ~/.ssh when no key path is recorded.
var DefaultKeyFiles = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Credentials are the SSH auth methods for one session plus a release
// func for any agent connection they hold.
type Credentials struct {
	Methods []ssh.AuthMethod
	Close   func()
}

// LoadCredentials collects signers from the SSH agent and from keyPath,
// or the default key files when keyPath is empty. Encrypted keys are
// skipped; they are expected to be loaded into the agent.
func LoadCredentials(keyPath string) (*Credentials, error) {
	creds := &Credentials{Close: func() {}}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			logging.Debug("ssh agent unavailable", "socket", sock, "error", err)
		} else {
			client := agent.NewClient(conn)
			creds.Methods = append(creds.Methods, ssh.PublicKeysCallback(client.Signers))
			creds.Close = func() { _ = conn.Close() }
		}
	}

	signers, err := keySigners(keyPath)
	if err != nil {
		creds.Close()
		return nil, err
	}
	if len(signers) > 0 {
		creds.Methods = append(creds.Methods, ssh.PublicKeys(signers...))
	}

	if len(creds.Methods) == 0 {
		creds.Close()
		return nil, apperr.Newf(apperr.KindConfiguration, "session", "ssh-key",
			"no SSH credentials: start an agent or create ~/.ssh/id_ed25519")
	}
	return creds, nil
}

func keySigners(keyPath string) ([]ssh.Signer, error) {
	var paths []string
	explicit := keyPath != ""
	if explicit {
		paths = []string{keyPath}
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		for _, name := range DefaultKeyFiles {
			paths = append(paths, filepath.Join(home, ".ssh", name))
		}
	}

	var signers []ssh.Signer
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if explicit {
				return nil, apperr.New(apperr.KindConfiguration, "session", p, err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				logging.Debug("skipping passphrase-protected key", "path", p)
				continue
			}
			return nil, apperr.New(apperr.KindConfiguration, "session", p, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// PublicKey returns the authorized_keys line for the private key at
// path, or for the first default key file found.
func PublicKey(keyPath string) (line string, path string, err error) {
	candidates := []string{keyPath}
	if keyPath == "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", "", apperr.New(apperr.KindConfiguration, "session", "ssh-key", herr)
		}
		candidates = candidates[:0]
		for _, name := range DefaultKeyFiles {
			candidates = append(candidates, filepath.Join(home, ".ssh", name))
		}
	}

	for _, p := range candidates {
		data, rerr := os.ReadFile(p + ".pub")
		if rerr != nil {
			continue
		}
		pub, _, _, _, perr := ssh.ParseAuthorizedKey(data)
		if perr != nil {
			return "", "", apperr.New(apperr.KindConfiguration, "session", p+".pub", perr)
		}
		return string(trimNewline(ssh.MarshalAuthorizedKey(pub))), p, nil
	}
	return "", "", apperr.Newf(apperr.KindConfiguration, "session", "ssh-key",
		"no SSH public key found; generate one with ssh-keygen -t ed25519")
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
