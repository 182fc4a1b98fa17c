package sign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// keyringMu serializes keyring mutations. The gpg home and the rpm
// keyring are process-wide state; concurrent repository updates within
// one invocation must not interleave key import and deletion.
var keyringMu sync.Mutex

// GPG signs packages with rpmsign and manifests with gpg. When KeyPath
// is set, the key is imported for the duration of one signing call and
// deleted afterwards, so no keyring state leaks across updates sharing
// a process.
type GPG struct {
	// KeyPath is an armored private key file. Empty means the default
	// keyring and key selection.
	KeyPath string
	// KeyID selects the signing key (--local-user / %_gpg_name).
	KeyID string
	// Password unlocks the key, supplied via loopback pinentry.
	Password string
	// Verify re-checks each signature after signing. Package
	// verification imports the public key into the system RPM keyring,
	// which needs elevated privilege; see RequireSudo.
	Verify bool
	// RequireSudo prefixes rpm keyring operations with sudo. It must be
	// set explicitly; the engine never escalates on its own.
	RequireSudo bool
	// Executable overrides the gpg binary (default "gpg").
	Executable string
}

func (g *GPG) gpgPath() string {
	if g.Executable != "" {
		return g.Executable
	}
	return "gpg"
}

func (g *GPG) gpgArgs(args ...string) []string {
	base := []string{"--batch", "--no-tty", "--yes"}
	if g.Password != "" {
		base = append(base, "--pinentry-mode", "loopback", "--passphrase", g.Password)
	}
	return append(base, args...)
}

// session scopes imported key material: import on open, delete on close.
type session struct {
	g           *GPG
	fingerprint string
	userID      string
}

func (g *GPG) openSession(ctx context.Context) (*session, error) {
	keyringMu.Lock()
	if g.KeyPath == "" {
		return &session{g: g}, nil
	}

	info, err := runOutput(ctx, g.gpgPath(), g.gpgArgs("--with-colons", "--import-options", "show-only", "--import", g.KeyPath)...)
	if err != nil {
		keyringMu.Unlock()
		return nil, fmt.Errorf("%w: inspect key: %v", ErrSigning, err)
	}
	fpr, uid, err := parseKeyInfo(info)
	if err != nil {
		keyringMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	if _, err := runOutput(ctx, g.gpgPath(), g.gpgArgs("--import", g.KeyPath)...); err != nil {
		keyringMu.Unlock()
		return nil, fmt.Errorf("%w: import key: %v", ErrSigning, err)
	}
	return &session{g: g, fingerprint: fpr, userID: uid}, nil
}

func (s *session) close(ctx context.Context) {
	defer keyringMu.Unlock()
	if s.fingerprint == "" {
		return
	}
	// Best-effort cleanup; a leftover key is logged by gpg, not fatal.
	_, _ = runOutput(ctx, s.g.gpgPath(), s.g.gpgArgs("--delete-secret-key", s.fingerprint)...)
	_, _ = runOutput(ctx, s.g.gpgPath(), s.g.gpgArgs("--delete-key", s.fingerprint)...)
}

func (s *session) keyID() string {
	if s.g.KeyID != "" {
		return s.g.KeyID
	}
	return s.userID
}

// parseKeyInfo extracts the fingerprint and user id from gpg
// --with-colons key listing output.
func parseKeyInfo(out []byte) (fpr, uid string, err error) {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 10 {
			continue
		}
		switch fields[0] {
		case "fpr":
			if fpr == "" {
				fpr = fields[9]
			}
		case "uid":
			if uid == "" {
				uid = fields[9]
			}
		}
	}
	if fpr == "" {
		return "", "", fmt.Errorf("no fingerprint in key listing")
	}
	return fpr, uid, nil
}

// SignDetached produces an armored detached signature over data,
// optionally verifying it before returning.
func (g *GPG) SignDetached(ctx context.Context, data []byte) ([]byte, error) {
	s, err := g.openSession(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close(ctx)

	args := []string{"--detach-sign", "--armor"}
	if key := s.keyID(); key != "" {
		args = append(args, "--local-user", key)
	}
	args = append(args, "-o", "-")
	cmd := exec.CommandContext(ctx, g.gpgPath(), g.gpgArgs(args...)...)
	cmd.Stdin = bytes.NewReader(data)
	sig, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: gpg detach-sign: %s", ErrSigning, exitDetail(err))
	}

	if g.Verify {
		if err := g.verifyDetached(ctx, data, sig); err != nil {
			return nil, err
		}
	}
	return sig, nil
}

func (g *GPG) verifyDetached(ctx context.Context, data, sig []byte) error {
	dir, err := os.MkdirTemp("", "repopub-verify-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	defer os.RemoveAll(dir)
	dataPath := dir + "/content"
	sigPath := dir + "/content.asc"
	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if err := os.WriteFile(sigPath, sig, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if _, err := runOutput(ctx, g.gpgPath(), g.gpgArgs("--verify", sigPath, dataPath)...); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return nil
}

// SignArtifact re-signs an RPM payload via rpmsign --resign.
func (g *GPG) SignArtifact(ctx context.Context, artifact []byte) ([]byte, error) {
	s, err := g.openSession(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close(ctx)

	tmp, err := os.CreateTemp("", "repopub-sign-*.rpm")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(artifact); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: write temp rpm: %v", ErrSigning, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	args := []string{"--resign"}
	if key := s.keyID(); key != "" {
		args = append(args, "--define", fmt.Sprintf("_gpg_name %s", key))
	}
	args = append(args, tmpPath)
	out, err := exec.CommandContext(ctx, "rpmsign", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: rpmsign: %s", ErrSigning, strings.TrimSpace(string(out)))
	}

	if g.Verify {
		if err := g.checkSig(ctx, tmpPath); err != nil {
			return nil, err
		}
	}

	signed, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read signed rpm: %v", ErrSigning, err)
	}
	return signed, nil
}

func (g *GPG) checkSig(ctx context.Context, rpmPath string) error {
	name := "rpm"
	args := []string{"--checksig", rpmPath}
	if g.RequireSudo {
		name = "sudo"
		args = append([]string{"rpm"}, args...)
	}
	if _, err := runOutput(ctx, name, args...); err != nil {
		return fmt.Errorf("%w: rpm --checksig: %v", ErrVerification, err)
	}
	return nil
}

func runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %s", name, exitDetail(err))
	}
	return out, nil
}

func exitDetail(err error) string {
	var ee *exec.ExitError
	if errors.As(err, &ee) && len(ee.Stderr) > 0 {
		return strings.TrimSpace(string(ee.Stderr))
	}
	return err.Error()
}
