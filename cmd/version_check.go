package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const releaseEndpoint = "https://api.github.com/repos/metergrid/meter-pipeline/releases/latest"

// updateChecker asks the project's release feed for the newest published
// version. Results are cached on disk so scheduled runs on the same host
// hit the feed at most once a day.
type updateChecker struct {
	endpoint  string
	cachePath string
	cacheTTL  time.Duration
	client    *http.Client
	logger    *slog.Logger
}

func newUpdateChecker(logger *slog.Logger) *updateChecker {
	home, _ := os.UserHomeDir()
	return &updateChecker{
		endpoint:  releaseEndpoint,
		cachePath: filepath.Join(home, ".meter-pipeline", "release_check.json"),
		cacheTTL:  24 * time.Hour,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger,
	}
}

// releaseInfo is the slice of the release feed the checker keeps, which is
// also the on-disk cache format.
type releaseInfo struct {
	Version   string    `json:"version"`
	URL       string    `json:"url"`
	CheckedAt time.Time `json:"checked_at"`
}

// Notice returns a printable update hint, or "" when the build is current
// or unversioned. An unreachable feed must never disturb a run, so fetch
// failures only produce a debug log line.
func (c *updateChecker) Notice(ctx context.Context, current string) string {
	if current == "" || current == "dev" {
		return ""
	}

	latest, ok := c.latest(ctx, current)
	if !ok {
		return ""
	}

	running := strings.TrimPrefix(current, "v")
	if !versionLess(running, latest.Version) {
		return ""
	}
	return fmt.Sprintf("Update available: v%s → v%s (see %s)", running, latest.Version, latest.URL)
}

func (c *updateChecker) latest(ctx context.Context, current string) (releaseInfo, bool) {
	if cached, ok := c.readCache(); ok {
		return cached, true
	}

	info, err := c.fetch(ctx, current)
	if err != nil {
		c.logger.Debug(fmt.Sprintf("Release check skipped: %v", err))
		return releaseInfo{}, false
	}
	c.writeCache(info)
	return info, true
}

func (c *updateChecker) fetch(ctx context.Context, current string) (releaseInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return releaseInfo{}, err
	}
	req.Header.Set("User-Agent", fmt.Sprintf("meter-pipeline/%s", current))

	resp, err := c.client.Do(req)
	if err != nil {
		return releaseInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return releaseInfo{}, fmt.Errorf("release feed returned status %d", resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return releaseInfo{}, err
	}

	return releaseInfo{
		Version:   strings.TrimPrefix(release.TagName, "v"),
		URL:       release.HTMLURL,
		CheckedAt: time.Now(),
	}, nil
}

func (c *updateChecker) readCache() (releaseInfo, bool) {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return releaseInfo{}, false
	}
	var info releaseInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return releaseInfo{}, false
	}
	if time.Since(info.CheckedAt) >= c.cacheTTL {
		return releaseInfo{}, false
	}
	return info, true
}

func (c *updateChecker) writeCache(info releaseInfo) {
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err != nil {
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = os.WriteFile(c.cachePath, data, 0o600)
}

// versionLess reports whether dotted version a precedes b, comparing up to
// three numeric components. Anything non-numeric counts as zero.
func versionLess(a, b string) bool {
	av, bv := splitVersion(a), splitVersion(b)
	for i := 0; i < 3; i++ {
		if av[i] != bv[i] {
			return av[i] < bv[i]
		}
	}
	return false
}

func splitVersion(v string) [3]int {
	var parts [3]int
	for i, component := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(strings.TrimSpace(component))
		if err != nil {
			break
		}
		parts[i] = n
	}
	return parts
}
