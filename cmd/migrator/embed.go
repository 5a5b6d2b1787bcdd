package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration filename standard: 001_name.up.sql / 001_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// EmbeddedMigration wraps the compiled-in migration files with validation:
// filename format, up/down pairing, contiguous sequence numbers and content
// checksums. Validation runs at startup and again before every
// state-changing operation.
type EmbeddedMigration struct {
	fs        fs.FS
	checksums map[string]string
}

// NewEmbeddedMigration creates the wrapper. Pass nil to use the migrations
// embedded in the binary; tests inject a fake filesystem.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		sub, err := fs.Sub(embeddedMigrations, "migrations")
		if err != nil {
			// Unreachable with a well-formed embed directive.
			panic(fmt.Sprintf("embedded migrations missing: %v", err))
		}

		filesystem = sub
	}

	return &EmbeddedMigration{fs: filesystem, checksums: make(map[string]string)}
}

// FS returns the migration filesystem for the iofs source driver.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// List returns the embedded migration files conforming to the naming
// standard, lexicographically sorted (which orders sequences correctly).
func (e *EmbeddedMigration) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && migrationFilenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Content returns one migration file's bytes and records its checksum.
func (e *EmbeddedMigration) Content(filename string) ([]byte, error) {
	data, err := fs.ReadFile(e.fs, filename)
	if err != nil {
		return nil, fmt.Errorf("reading migration %s: %w", filename, err)
	}

	sum := sha256.Sum256(data)
	e.checksums[filename] = hex.EncodeToString(sum[:])

	return data, nil
}

// Validate performs full validation of the embedded migration set.
func (e *EmbeddedMigration) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	for _, file := range files {
		if _, err := e.Content(file); err != nil {
			return err
		}
	}

	if err := validatePairing(files); err != nil {
		return err
	}

	return validateSequence(files)
}

// validatePairing checks every up migration has a down and vice versa.
func validatePairing(files []string) error {
	type pair struct{ up, down bool }

	pairs := make(map[string]*pair)

	for _, file := range files {
		m := migrationFilenameRegex.FindStringSubmatch(file)
		key := m[1] + "_" + m[2]

		p := pairs[key]
		if p == nil {
			p = &pair{}
			pairs[key] = p
		}

		if m[3] == "up" {
			p.up = true
		} else {
			p.down = true
		}
	}

	for key, p := range pairs {
		if !p.up {
			return fmt.Errorf("migration %s has a down file but no up file", key)
		}

		if !p.down {
			return fmt.Errorf("migration %s has an up file but no down file", key)
		}
	}

	return nil
}

// validateSequence checks sequence numbers start at 1 and are contiguous.
func validateSequence(files []string) error {
	seen := make(map[int]bool)

	for _, file := range files {
		m := migrationFilenameRegex.FindStringSubmatch(file)

		seq, err := strconv.Atoi(m[1])
		if err != nil {
			return fmt.Errorf("invalid sequence in %s: %w", file, err)
		}

		seen[seq] = true
	}

	for i := 1; i <= len(seen); i++ {
		if !seen[i] {
			return fmt.Errorf("migration sequence has a gap at %03d", i)
		}
	}

	return nil
}
