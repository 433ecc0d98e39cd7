package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/nnlgsakib/openhash-nodeman/internal/logring"
	"github.com/nnlgsakib/openhash-nodeman/internal/metrics"
)

// Release is the feed's descriptor for the latest distributable version.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Progress is emitted once per transferred chunk. Total is 0 when the
// remote did not report a size.
type Progress struct {
	Current uint64 `json:"current"`
	Total   uint64 `json:"total"`
}

// Notifier receives download events. Implementations must not block; the
// fetcher calls them inline between chunks.
type Notifier interface {
	OnProgress(Progress)
	OnComplete(tag string)
}

const (
	chunkSize      = 32 * 1024
	defaultTimeout = 30 * time.Second
	checksumLimit  = 4096
)

// Config wires a Fetcher.
type Config struct {
	FeedURL   string
	AssetName string
	UserAgent string
	DestPath  string
	Timeout   time.Duration // response header deadline for every request
	Logs      *logring.Buffer
	Notifier  Notifier
}

// Fetcher keeps the node executable current: it resolves the latest release
// from the feed and performs byte-range-resumable downloads with progress
// reporting. A partial file left by an aborted transfer is the resume
// cursor for the next attempt.
type Fetcher struct {
	cfg    Config
	meta   *http.Client // short requests: feed JSON, HEAD, checksum
	stream *http.Client // body may stream for a long time; only headers are deadlined
}

func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Fetcher{
		cfg:  cfg,
		meta: &http.Client{Timeout: cfg.Timeout},
		stream: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Timeout,
		}},
	}
}

// CheckAndDownload runs one full update cycle. Every failure is logged to
// the shared buffer and returned; a partial file is left on disk so a
// retry resumes instead of restarting.
func (f *Fetcher) CheckAndDownload(ctx context.Context) error {
	f.cfg.Logs.Append("Checking for updates...")
	metrics.IncUpdateCheck()

	release, err := f.fetchRelease(ctx)
	if err != nil {
		return f.fail(err)
	}
	f.cfg.Logs.Append("Found release: " + release.TagName)

	asset := findAsset(release, f.cfg.AssetName)
	if asset == nil {
		return f.fail(fmt.Errorf("%s not found in release assets", f.cfg.AssetName))
	}

	total, err := f.remoteSize(ctx, asset.BrowserDownloadURL)
	if err != nil {
		return f.fail(err)
	}

	offset := f.localSize()
	if offset > 0 && f.stampKnownOlder(release.TagName) {
		// A stamp is only written after a completed download, so this local
		// file is a whole older release, not a partial of this one. Resuming
		// into it would corrupt the binary.
		f.cfg.Logs.Append("Local executable is an older release, restarting download")
		if err := os.Remove(f.cfg.DestPath); err != nil {
			return f.fail(fmt.Errorf("failed to remove outdated executable: %w", err))
		}
		// The stamp goes with the binary: anything left on disk after this
		// point is a partial of the current release, so an interrupted
		// transfer resumes instead of being mistaken for the old release
		// again.
		_ = os.Remove(f.stampPath())
		offset = 0
	}
	switch {
	case total > 0 && offset == total:
		f.cfg.Logs.Append("Executable already up to date")
		f.notifyComplete(release.TagName, offset, total)
		return nil
	case total == 0 && offset > 0 && !f.stampIsOlder(release.TagName):
		// Size unknown; fall back to the version stamp recorded after the
		// last completed download.
		f.cfg.Logs.Append("Executable already up to date (version stamp)")
		f.notifyComplete(release.TagName, offset, total)
		return nil
	case total > 0 && offset > total:
		f.cfg.Logs.Append("Local file larger than remote release, restarting download")
		if err := os.Remove(f.cfg.DestPath); err != nil {
			return f.fail(fmt.Errorf("failed to remove stale executable: %w", err))
		}
		_ = os.Remove(f.stampPath())
		offset = 0
	case offset > 0:
		f.cfg.Logs.Append(fmt.Sprintf("Resuming download at byte %d", offset))
	}

	f.cfg.Logs.Append("Downloading " + asset.Name + "...")
	written, err := f.download(ctx, asset.BrowserDownloadURL, offset, total)
	if err != nil {
		return f.fail(err)
	}

	if err := applyExecutableMode(f.cfg.DestPath); err != nil {
		return f.fail(fmt.Errorf("failed to set executable permissions: %w", err))
	}

	if err := f.verifyChecksum(ctx, release, asset.Name); err != nil {
		return f.fail(err)
	}

	f.writeStamp(release.TagName)
	f.cfg.Logs.Append("Download completed successfully")
	f.notifyComplete(release.TagName, written, total)
	return nil
}

func (f *Fetcher) fail(err error) error {
	f.cfg.Logs.Append(err.Error())
	return err
}

func (f *Fetcher) notifyComplete(tag string, current, total uint64) {
	if f.cfg.Notifier != nil {
		if total == 0 {
			total = current
		}
		f.cfg.Notifier.OnProgress(Progress{Current: current, Total: total})
		f.cfg.Notifier.OnComplete(tag)
	}
}

func (f *Fetcher) fetchRelease(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release info: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := f.meta.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch release information (status %d)", resp.StatusCode)
	}
	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to parse release info: %w", err)
	}
	return &release, nil
}

func findAsset(r *Release, name string) *Asset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

// remoteSize asks the download URL for the expected byte count. A failed
// HEAD, error status, or unreported size degrades to 0 (unknown); only the
// GET decides whether the asset is reachable.
func (f *Fetcher) remoteSize(ctx context.Context, url string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to query release size: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := f.meta.Do(req)
	if err != nil {
		return 0, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.ContentLength <= 0 {
		return 0, nil
	}
	return uint64(resp.ContentLength), nil
}

func (f *Fetcher) localSize() uint64 {
	st, err := os.Stat(f.cfg.DestPath)
	if err != nil || st.IsDir() {
		return 0
	}
	return uint64(st.Size())
}

// download streams the asset body to disk starting at offset, appending to
// any existing partial file. It returns the final local length.
func (f *Fetcher) download(ctx context.Context, url string, offset, total uint64) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to download executable: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download executable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// server honored the range; keep appending
	case http.StatusOK:
		if offset > 0 {
			// full body despite the range request; drop the partial file
			// instead of appending a second copy of the prefix
			f.cfg.Logs.Append("Server ignored range request, restarting download")
			if err := os.Remove(f.cfg.DestPath); err != nil && !os.IsNotExist(err) {
				return 0, fmt.Errorf("failed to remove partial executable: %w", err)
			}
			offset = 0
		}
	default:
		return 0, fmt.Errorf("failed to download executable (status %d)", resp.StatusCode)
	}
	if total == 0 && resp.ContentLength > 0 {
		total = offset + uint64(resp.ContentLength)
	}

	out, err := os.OpenFile(f.cfg.DestPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open executable for writing: %w", err)
	}
	defer func() { _ = out.Close() }()

	current := offset
	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return current, fmt.Errorf("failed to save executable: %w", werr)
			}
			current += uint64(n)
			metrics.AddDownloadedBytes(n)
			metrics.SetDownloadProgress(current, total)
			if f.cfg.Notifier != nil {
				f.cfg.Notifier.OnProgress(Progress{Current: current, Total: total})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return current, fmt.Errorf("failed to read executable bytes: %w", rerr)
		}
	}
	return current, nil
}

// verifyChecksum compares the downloaded file against a published
// <asset>.sha256 companion asset when the release carries one. Absence of
// the companion skips verification.
func (f *Fetcher) verifyChecksum(ctx context.Context, release *Release, assetName string) error {
	companion := findAsset(release, assetName+".sha256")
	if companion == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, companion.BrowserDownloadURL, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch checksum: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := f.meta.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch checksum: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch checksum (status %d)", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, checksumLimit))
	if err != nil {
		return fmt.Errorf("failed to read checksum: %w", err)
	}
	fields := strings.Fields(strings.TrimSpace(string(body)))
	if len(fields) == 0 {
		return fmt.Errorf("empty checksum asset %s.sha256", assetName)
	}
	want := strings.ToLower(fields[0])

	file, err := os.Open(f.cfg.DestPath)
	if err != nil {
		return fmt.Errorf("failed to hash executable: %w", err)
	}
	defer func() { _ = file.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return fmt.Errorf("failed to hash executable: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		_ = os.Remove(f.cfg.DestPath)
		_ = os.Remove(f.stampPath())
		return fmt.Errorf("checksum mismatch for %s: got %s want %s", assetName, got, want)
	}
	return nil
}

func (f *Fetcher) stampPath() string { return f.cfg.DestPath + ".version" }

func (f *Fetcher) writeStamp(tag string) {
	_ = os.WriteFile(f.stampPath(), []byte(tag+"\n"), 0o644)
}

// stampIsOlder reports whether the recorded local version is strictly
// older than the release tag. Missing or unparsable stamps count as older
// so a download proceeds.
func (f *Fetcher) stampIsOlder(tag string) bool {
	local, remote, ok := f.stampVersions(tag)
	if !ok {
		return true
	}
	return local.LessThan(remote)
}

// stampKnownOlder is the strict variant: it reports older only when a
// readable, parsable stamp exists. Used to decide whether a local file is
// a completed previous release rather than a partial of the current one.
func (f *Fetcher) stampKnownOlder(tag string) bool {
	local, remote, ok := f.stampVersions(tag)
	return ok && local.LessThan(remote)
}

func (f *Fetcher) stampVersions(tag string) (local, remote *goversion.Version, ok bool) {
	data, err := os.ReadFile(f.stampPath())
	if err != nil {
		return nil, nil, false
	}
	local, err = goversion.NewVersion(strings.TrimPrefix(strings.TrimSpace(string(data)), "v"))
	if err != nil {
		return nil, nil, false
	}
	remote, err = goversion.NewVersion(strings.TrimPrefix(strings.TrimSpace(tag), "v"))
	if err != nil {
		return nil, nil, false
	}
	return local, remote, true
}
