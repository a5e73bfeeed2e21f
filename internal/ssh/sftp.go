package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushOptions tunes a directory upload.
type PushOptions struct {
	// Exclude holds glob patterns matched against the slash-separated
	// relative path and the base name of every entry.
	Exclude []string
	// Verify compares a sha256 of every uploaded file with the remote copy.
	Verify bool
}

// PushFile uploads a local file to a remote path via SFTP.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	_, err = pushFile(sf, localPath, remotePath)
	return err
}

// PushDir mirrors localDir into remoteDir. Files are overwritten; remote
// files absent locally are left alone.
func PushDir(ctx context.Context, client *xssh.Client, localDir, remoteDir string, opts PushOptions) (int, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(remoteDir); err != nil {
		return 0, fmt.Errorf("mkdir remote %s: %w", remoteDir, err)
	}
	count := 0
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel, opts.Exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := path.Join(remoteDir, rel)
		if d.IsDir() {
			return sf.MkdirAll(target)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sum, err := pushFile(sf, p, target)
		if err != nil {
			return err
		}
		if opts.Verify {
			if err := verifyRemoteChecksum(client, target, sum); err != nil {
				_ = sf.Remove(target)
				return fmt.Errorf("verify %s: %w", rel, err)
			}
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("push %s: %w", localDir, err)
	}
	return count, nil
}

func excluded(rel string, patterns []string) bool {
	base := path.Base(rel)
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// pushFile copies one file and returns its sha256.
func pushFile(sf *sftp.Client, localPath, remotePath string) (string, error) {
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return "", fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	defer dst.Close()
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		return "", fmt.Errorf("copy %s: %w", localPath, err)
	}
	if info, err := src.Stat(); err == nil {
		_ = sf.Chmod(remotePath, info.Mode().Perm())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func verifyRemoteChecksum(client *xssh.Client, remotePath, expected string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()
	out, err := session.Output(fmt.Sprintf("sha256sum %s | cut -d' ' -f1", QuoteArg(remotePath)))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	got := strings.TrimSpace(string(out))
	if got != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, got)
	}
	return nil
}

// QuoteArg single-quotes s for a POSIX shell.
func QuoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("@%+=:,./-_", r)
}
