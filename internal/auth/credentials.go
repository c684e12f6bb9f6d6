package auth

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/bcrypt"
)

var fieldNames = []string{"username", "password_hash"}

// ErrInvalidUsersFile is returned when the users file header is not the expected one.
var ErrInvalidUsersFile = errors.New("invalid users file format")

// CredentialStore is the append-only CSV user registry.
//
// There is no locking: two processes (or two concurrent requests) signing up
// the same username can both pass the uniqueness check. Deployments are
// expected to be single-user or low-concurrency.
type CredentialStore struct {
	path   string
	bcrypt bool
	logger *log.Logger
}

// NewCredentialStore returns a store backed by the CSV file at path. With
// useBcrypt set, new signups store bcrypt hashes instead of unsalted SHA-256.
func NewCredentialStore(path string, useBcrypt bool) *CredentialStore {
	return &CredentialStore{
		path:   path,
		bcrypt: useBcrypt,
		logger: log.WithPrefix("auth"),
	}
}

type userRecord struct {
	Username     string
	PasswordHash string
}

// HashPassword returns the hex SHA-256 digest of password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// CheckPasswordHash compares password against a stored hash of either scheme.
func CheckPasswordHash(password, hash string) bool {
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	return hash == HashPassword(password)
}

func (s *CredentialStore) hash(password string) (string, error) {
	if !s.bcrypt {
		return HashPassword(password), nil
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(b), nil
}

func (s *CredentialStore) ensureFile() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(fieldNames); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *CredentialStore) readUsers() ([]userRecord, error) {
	if err := s.ensureFile(); err != nil {
		return nil, fmt.Errorf("create users file: %w", err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open users file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header", ErrInvalidUsersFile)
		}
		return nil, fmt.Errorf("read users header: %w", err)
	}
	if !slices.Equal(header, fieldNames) {
		return nil, fmt.Errorf("%w: expected headers %v, got %v", ErrInvalidUsersFile, fieldNames, header)
	}

	var users []userRecord
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read users row: %w", err)
		}
		users = append(users, userRecord{Username: row[0], PasswordHash: row[1]})
	}
	return users, nil
}

// Signup appends a new user. It returns false if the username is taken.
func (s *CredentialStore) Signup(username, password string) (bool, error) {
	users, err := s.readUsers()
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.Username == username {
			return false, nil
		}
	}

	hash, err := s.hash(password)
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open users file for append: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{username, hash}); err != nil {
		f.Close()
		return false, fmt.Errorf("append user: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return false, fmt.Errorf("append user: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, err
	}

	s.logger.Info("user signed up", "username", username)
	return true, nil
}

// Login reports whether a record matching username and password exists.
// Every call scans the whole file.
func (s *CredentialStore) Login(username, password string) (bool, error) {
	users, err := s.readUsers()
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.Username == username && CheckPasswordHash(password, u.PasswordHash) {
			s.logger.Info("user logged in", "username", username)
			return true, nil
		}
	}
	return false, nil
}
