// Package token implements filesystem-backed exclusive claims. A token is a
// file whose existence means ownership and whose content identifies the
// owner; drivers racing for the same token produce at most one winner.
package token

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// A Store manages the token files for one shared token directory.
type Store struct {
	Dir string
}

// DefaultSignature identifies this job: user@host/uuid.
func DefaultSignature() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s@%s/%s", user, host, uuid.NewString())
}

func (s *Store) path(name string) string {
	// Token names come from script node names and may contain separators.
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ':
			return '+'
		}
		return r
	}, name)
	return filepath.Join(s.Dir, clean+".token")
}

// TryAcquire attempts to claim the named token for signature. On contention
// it returns acquired=false and the current owner's signature.
//
// The claim is staged into {token}.{N}.tmp with open-exclusive-new (N is
// renumbered on collision) and published with a hard link, which atomically
// fails when the token already exists; a rename would silently overwrite
// another driver's claim.
func (s *Store) TryAcquire(name, signature string) (acquired bool, owner string, err error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return false, "", err
	}
	target := s.path(name)
	for n := 0; ; n++ {
		tmp := fmt.Sprintf("%s.%d.tmp", target, n)
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			if os.IsExist(err) {
				continue // another writer holds this N
			}
			return false, "", err
		}
		if _, err := f.WriteString(signature); err != nil {
			f.Close()
			os.Remove(tmp)
			return false, "", err
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return false, "", err
		}
		linkErr := os.Link(tmp, target)
		os.Remove(tmp)
		if linkErr == nil {
			return true, "", nil
		}
		if !os.IsExist(linkErr) {
			return false, "", linkErr
		}
		owner, err := s.Read(name)
		if err != nil {
			return false, "", err
		}
		if owner == "" {
			// The winner vanished between link and read; retry with the next
			// temp number.
			continue
		}
		return false, owner, nil
	}
}

// Read returns the owner signature of the named token, or "" if it is
// unowned.
func (s *Store) Read(name string) (string, error) {
	b, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Release removes the named token. Only used to roll back tokens created
// earlier in the same job when fail-fast acquisition aborts; tokens are
// otherwise held for the lifetime of the work they gate.
func (s *Store) Release(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("releasing token %s: %w", name, err)
	}
	return nil
}
