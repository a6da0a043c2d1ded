package checkpoints

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
)

const (
	// Filename is the checkpoint file kept in the data directory.
	Filename = "checkpoints.dat"

	// URLEnv overrides the configured checkpoint file URL.
	URLEnv = "SAFERUN_CHECKPOINTS_URL"

	maxDownloadBytes = 32 << 20 // 32 MiB
	downloadTimeout  = 15 * time.Second
)

// Path returns the checkpoint file path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, Filename)
}

// URL returns the checkpoint file URL: the environment override if set,
// otherwise configured. An empty result disables downloading.
func URL(configured string) string {
	if v := strings.TrimSpace(os.Getenv(URLEnv)); v != "" {
		return v
	}
	return strings.TrimSpace(configured)
}

// EnsureFile downloads the checkpoint file from url when path does not
// exist yet.
func EnsureFile(ctx context.Context, path, url string) (downloaded bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if url == "" {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create checkpoints dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build checkpoints request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := (&http.Client{Timeout: downloadTimeout}).Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to download checkpoints: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("checkpoints download HTTP %d", resp.StatusCode)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open temp checkpoints file: %w", err)
	}
	_, copyErr := io.Copy(f, io.LimitReader(resp.Body, maxDownloadBytes))
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("failed to write checkpoints: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("failed to close checkpoints file: %w", closeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("failed to finalize checkpoints file: %w", err)
	}
	return true, nil
}

// ParseFile reads "height:hash" lines. Blank lines, comments and malformed
// lines are skipped; a later line for the same height wins. Heights are
// returned in ascending order.
func ParseFile(r io.Reader) (map[uint64]crypto.Hash, []uint64, error) {
	out := make(map[uint64]crypto.Hash)
	var heights []uint64

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hStr, hashStr, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h, err := strconv.ParseUint(strings.TrimSpace(hStr), 10, 64)
		if err != nil || h == 0 {
			continue
		}
		hash, err := crypto.HashFromHex(strings.TrimPrefix(strings.TrimSpace(hashStr), "0x"))
		if err != nil {
			continue
		}
		if _, exists := out[h]; !exists {
			heights = append(heights, h)
		}
		out[h] = hash
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return out, heights, nil
}

// LoadFile adds every checkpoint in the file at path as hardcoded and
// returns how many were read. A missing file is not an error.
func (c *Checkpoints) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	cps, heights, err := ParseFile(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	for _, h := range heights {
		if err := c.AddCheckpoint(h, cps[h], Hardcoded); err != nil {
			return 0, err
		}
	}
	if len(heights) > 0 {
		log.WithField("count", len(heights)).WithField("max_height", heights[len(heights)-1]).Info("loaded checkpoints file")
	}
	return len(heights), nil
}
