package machines

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"path"
	"regexp"
	"strings"
	"time"
)

const (
	// defaultBatchBytes caps the cumulative content size of one sync batch so
	// a generated script stays well under the exec payload limit.
	defaultBatchBytes = 15 * 1024

	interBatchDelay = 500 * time.Millisecond

	// npmInstallCommand refreshes dependencies after a manifest change.
	npmInstallCommand = "cd /app && npm install"
)

// SyncFile is one file to push to a machine, with a path relative to the
// machine's working directory.
type SyncFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// BatchResult records the outcome of one sync batch.
type BatchResult struct {
	Files    []string `json:"files"`
	ExitCode int      `json:"exitCode"`
	Output   string   `json:"output,omitempty"`
}

// SyncResult summarizes a full SyncFiles run. Success is true only when every
// batch exited zero.
type SyncResult struct {
	Batches []BatchResult `json:"batches"`
	Success bool          `json:"success"`
}

var safePathPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// SanitizePath validates a sync path: relative, allowlisted characters, no
// traversal segments. Invalid paths are rejected rather than rewritten.
func SanitizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path %q not allowed", p)
	}
	if !safePathPattern.MatchString(p) {
		return "", fmt.Errorf("path %q contains disallowed characters", p)
	}
	clean := path.Clean(p)
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the working directory", p)
		}
	}
	return clean, nil
}

// SyncFiles pushes the file set to the app's machine. The machine is brought
// to a ready state first; files are then grouped into byte-bounded batches,
// each executed as a single generated shell script, with a fixed delay
// between batches. When the set contains a package.json, dependencies are
// reinstalled afterwards on a best-effort basis; a caller-supplied
// installCommand is run instead when no manifest is present.
func (c *Client) SyncFiles(ctx context.Context, appName string, files []SyncFile, installCommand string) (SyncResult, error) {
	if len(files) == 0 {
		return SyncResult{Success: true}, nil
	}
	for i, f := range files {
		clean, err := SanitizePath(f.Path)
		if err != nil {
			return SyncResult{}, fmt.Errorf("sync files: %w", err)
		}
		files[i].Path = clean
	}

	machine, err := c.EnsureReady(ctx, appName)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync files: %w", err)
	}

	batches := batchFiles(files, c.cfg.BatchBytes)
	result := SyncResult{Success: true}
	for i, batch := range batches {
		if i > 0 {
			if err := sleep(ctx, c.cfg.BatchDelay); err != nil {
				return result, err
			}
		}
		script, err := buildSyncScript(batch)
		if err != nil {
			return result, fmt.Errorf("sync files: %w", err)
		}
		res, err := c.Exec(ctx, appName, machine.ID, []string{"sh", "-c", script}, writeTimeout)
		if err != nil {
			return result, fmt.Errorf("sync files: batch %d: %w", i+1, err)
		}
		br := BatchResult{ExitCode: res.ExitCode, Output: strings.TrimSpace(res.Stdout + res.Stderr)}
		for _, f := range batch {
			br.Files = append(br.Files, f.Path)
		}
		result.Batches = append(result.Batches, br)
		if res.ExitCode != 0 {
			result.Success = false
			log.Printf("machines: sync batch %d/%d failed with exit %d", i+1, len(batches), res.ExitCode)
		}
	}

	switch {
	case hasManifest(files):
		c.runInstall(ctx, appName, machine.ID, npmInstallCommand)
	case installCommand != "":
		c.runInstall(ctx, appName, machine.ID, installCommand)
	}
	return result, nil
}

// batchFiles splits files into groups whose cumulative content size stays
// under maxBytes. A single file larger than the cap gets a batch of its own.
func batchFiles(files []SyncFile, maxBytes int) [][]SyncFile {
	var batches [][]SyncFile
	var current []SyncFile
	size := 0
	for _, f := range files {
		n := len(f.Content)
		if len(current) > 0 && size+n > maxBytes {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, f)
		size += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// buildSyncScript generates the shell script for one batch: parents are
// created, each payload is decoded into a temp file and then moved into
// place, so a partially transferred file is never observable at its final
// path.
func buildSyncScript(batch []SyncFile) (string, error) {
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, f := range batch {
		encoded, err := gzipBase64(f.Content)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", f.Path, err)
		}
		tmp := f.Path + ".syncing"
		if dir := path.Dir(f.Path); dir != "." {
			fmt.Fprintf(&b, "mkdir -p '%s'\n", dir)
		}
		fmt.Fprintf(&b, "echo '%s' | base64 -d | gunzip > '%s'\n", encoded, tmp)
		fmt.Fprintf(&b, "mv '%s' '%s'\n", tmp, f.Path)
	}
	return b.String(), nil
}

func gzipBase64(content string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(content)); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func hasManifest(files []SyncFile) bool {
	for _, f := range files {
		if path.Base(f.Path) == "package.json" {
			return true
		}
	}
	return false
}

// runInstall runs a dependency-install command after the sync. A failure is
// logged, never propagated: the file sync itself already succeeded.
func (c *Client) runInstall(ctx context.Context, appName, machineID, command string) {
	res, err := c.Exec(ctx, appName, machineID, []string{"sh", "-c", command}, installTimeout)
	if err != nil {
		log.Printf("machines: dependency install failed: %v", err)
		return
	}
	if res.ExitCode != 0 {
		log.Printf("machines: %q exited %d", command, res.ExitCode)
		return
	}
	log.Printf("machines: dependencies installed for %s", appName)
}
