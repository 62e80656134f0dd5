// Package file implements file access tools with path restriction and symlink protection.
//
// Three tools are registered, one per risk level:
//   - file_read: read/list operations (RiskLow)
//   - file_write: write operations (RiskMedium), compensable with file_delete
//   - file_delete: removal of a single file (RiskHigh)
//
// Security: every path is resolved to its absolute, symlink-free form and
// checked against the configured allowlist before any I/O occurs.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/tools"
)

// Config configures file tool restrictions.
type Config struct {
	AllowedPaths     []string // Path prefixes that are allowed. Empty = deny all.
	MaxFileSizeBytes int64    // Maximum file size for read/write. 0 = 10 MB default.
}

const defaultMaxFileSize = 10 << 20 // 10 MB

// --- Shared path validation ---

// safePath resolves a user-supplied path to its absolute, symlink-free form
// and verifies it falls within one of the allowed prefixes.
//
// This prevents:
//   - Path traversal via ../ sequences
//   - Symlink-based escapes (symlink pointing outside allowed dirs)
//   - Relative path tricks
func safePath(raw string, allowed []string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path must not be empty")
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", err
	}

	for _, prefix := range allowed {
		absPrefix, err := filepath.Abs(prefix)
		if err != nil {
			continue
		}
		// The prefix itself may sit behind a symlink (macOS /var, for one).
		if p, err := filepath.EvalSymlinks(absPrefix); err == nil {
			absPrefix = p
		}
		// "/tmp" should match "/tmp/foo" but NOT "/tmpevil".
		if strings.HasPrefix(resolved, absPrefix+string(filepath.Separator)) || resolved == absPrefix {
			return resolved, nil
		}
	}

	return "", fmt.Errorf("path %q resolves to %q which is outside allowed directories", raw, resolved)
}

// resolveExisting resolves symlinks in the longest existing prefix of abs and
// rejoins the components that do not exist yet. A component that exists but
// cannot be resolved, such as a dangling symlink, is an error.
func resolveExisting(abs string) (string, error) {
	var missing []string
	dir := abs
	for {
		_, err := os.Lstat(dir)
		if err == nil {
			real, err := filepath.EvalSymlinks(dir)
			if err != nil {
				return "", fmt.Errorf("resolving %q: %w", dir, err)
			}
			slices.Reverse(missing)
			return filepath.Join(append([]string{real}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolving path: %w", err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("path %q has no existing ancestor", abs)
		}
		missing = append(missing, filepath.Base(dir))
		dir = parent
	}
}

// Tools builds the file tool descriptors over one shared configuration.
type Tools struct {
	config Config
	logger *slog.Logger
}

// New creates the file tools restricted to the given paths.
func New(cfg Config, logger *slog.Logger) *Tools {
	return &Tools{config: cfg, logger: logger}
}

func (t *Tools) maxSize() int64 {
	if t.config.MaxFileSizeBytes > 0 {
		return t.config.MaxFileSizeBytes
	}
	return defaultMaxFileSize
}

// Register adds file_read, file_write and file_delete to reg.
func (t *Tools) Register(reg *tools.Registry) error {
	for _, d := range t.Descriptors() {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Descriptors returns the registry entries for the file tools.
func (t *Tools) Descriptors() []tools.Descriptor {
	return []tools.Descriptor{
		{
			Name:        "file_read",
			Category:    "file_system",
			Version:     "1.0.0",
			Description: "Read file contents or list directory within allowed paths",
			RiskLevel:   security.RiskLow,
			Parameters: []tools.Param{
				{Name: "path", Type: tools.TypeString, Required: true, Description: "Absolute path to the file or directory"},
				{Name: "operation", Type: tools.TypeString, Enum: []string{"read", "list"}, Description: "Defaults to read"},
			},
			Handler: tools.HandlerFunc(t.read),
		},
		{
			Name:                 "file_write",
			Category:             "file_system",
			Version:              "1.0.0",
			Description:          "Write content to a file within allowed paths",
			RiskLevel:            security.RiskMedium,
			SupportsCompensation: true,
			Dependencies:         []string{"file_delete"},
			Parameters: []tools.Param{
				{Name: "path", Type: tools.TypeString, Required: true, Description: "Absolute path to the file to write"},
				{Name: "content", Type: tools.TypeString, Required: true, Description: "Content to write to the file"},
			},
			Handler: tools.HandlerFunc(t.write),
		},
		{
			Name:        "file_delete",
			Category:    "file_system",
			Version:     "1.0.0",
			Description: "Remove a single file within allowed paths",
			RiskLevel:   security.RiskHigh,
			Parameters: []tools.Param{
				{Name: "path", Type: tools.TypeString, Required: true, Description: "Absolute path to the file to remove"},
				{Name: "missing_ok", Type: tools.TypeBoolean, Description: "Succeed when the file is already gone"},
			},
			Handler: tools.HandlerFunc(t.remove),
		},
	}
}

// ---- file_read ----

func (t *Tools) read(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, _ := params["path"].(string)
	resolved, err := safePath(path, t.config.AllowedPaths)
	if err != nil {
		return nil, tools.Permanent(err)
	}

	op := "read"
	if v, ok := params["operation"].(string); ok && v != "" {
		op = v
	}

	t.logger.InfoContext(ctx, "file_read executing",
		slog.String("operation", op),
		slog.String("path", resolved),
	)

	switch op {
	case "list":
		return t.listDir(resolved)
	default:
		return t.readFile(resolved)
	}
}

func (t *Tools) readFile(path string) (*tools.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, tools.Permanent(fmt.Errorf("stat %s: %w", path, err))
	}
	if info.IsDir() {
		return nil, tools.Permanent(fmt.Errorf("%s is a directory, use operation=\"list\"", path))
	}
	if info.Size() > t.maxSize() {
		return nil, tools.Permanent(fmt.Errorf("file size %d exceeds limit %d bytes", info.Size(), t.maxSize()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return &tools.Result{
		Output: tools.TruncateOutput(string(data), tools.MaxOutputBytes),
		Metadata: map[string]any{
			"path":       path,
			"size_bytes": info.Size(),
		},
	}, nil
}

func (t *Tools) listDir(path string) (*tools.Result, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, tools.Permanent(fmt.Errorf("listing %s: %w", path, err))
	}

	var b strings.Builder
	for _, e := range entries {
		info, _ := e.Info()
		mode := "-"
		size := int64(0)
		if info != nil {
			mode = info.Mode().String()
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s %8d %s\n", mode, size, e.Name())
	}

	return &tools.Result{
		Output: tools.TruncateOutput(b.String(), tools.MaxOutputBytes),
		Metadata: map[string]any{
			"path":  path,
			"count": len(entries),
		},
	}, nil
}

// ---- file_write ----

func (t *Tools) write(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)

	if int64(len(content)) > t.maxSize() {
		return nil, tools.Permanent(fmt.Errorf("content size %d exceeds limit %d bytes", len(content), t.maxSize()))
	}
	resolved, err := safePath(path, t.config.AllowedPaths)
	if err != nil {
		return nil, tools.Permanent(err)
	}

	t.logger.InfoContext(ctx, "file_write executing",
		slog.String("path", resolved),
		slog.Int("content_size", len(content)),
	)

	if err := os.MkdirAll(filepath.Dir(resolved), 0750); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), fs.FileMode(0640)); err != nil {
		return nil, fmt.Errorf("writing %s: %w", resolved, err)
	}

	return &tools.Result{
		Output: fmt.Sprintf("wrote %d bytes to %s", len(content), resolved),
		Metadata: map[string]any{
			"path":       resolved,
			"size_bytes": len(content),
		},
	}, nil
}

// ---- file_delete ----

func (t *Tools) remove(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, _ := params["path"].(string)
	missingOK, _ := params["missing_ok"].(bool)

	resolved, err := safePath(path, t.config.AllowedPaths)
	if err != nil {
		return nil, tools.Permanent(err)
	}

	t.logger.InfoContext(ctx, "file_delete executing", slog.String("path", resolved))

	info, err := os.Lstat(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist) && missingOK:
		return &tools.Result{Output: fmt.Sprintf("%s already absent", resolved)}, nil
	case err != nil:
		return nil, tools.Permanent(fmt.Errorf("stat %s: %w", resolved, err))
	case info.IsDir():
		return nil, tools.Permanent(fmt.Errorf("%s is a directory", resolved))
	}

	if err := os.Remove(resolved); err != nil {
		return nil, fmt.Errorf("removing %s: %w", resolved, err)
	}
	return &tools.Result{
		Output:   fmt.Sprintf("removed %s", resolved),
		Metadata: map[string]any{"path": resolved},
	}, nil
}
