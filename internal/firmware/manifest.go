package firmware

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/mod/semver"
)

// MaxPackageSize caps how much is read when fetching a package or manifest.
const MaxPackageSize = 16 << 20

// ManifestClient fetches the release manifest and package documents.
type ManifestClient struct {
	url        string
	httpClient *http.Client
}

// NewManifestClient creates a client for the manifest at url.
func NewManifestClient(url string) *ManifestClient {
	return &ManifestClient{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type manifestResponse struct {
	Releases []Release `json:"releases"`
}

// GetAvailable fetches the releases in the manifest, optionally restricted
// to one channel. Results are sorted newest version first.
func (c *ManifestClient) GetAvailable(channel string) ([]Release, error) {
	if c.url == "" {
		return nil, fmt.Errorf("no firmware manifest URL configured")
	}
	body, err := c.get(c.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch firmware manifest: %w", err)
	}

	var result manifestResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	releases := make([]Release, 0, len(result.Releases))
	for _, r := range result.Releases {
		if !ValidVersion(r.Version) || r.URL == "" {
			continue
		}
		if channel != "" && r.Channel != "" && r.Channel != channel {
			continue
		}
		releases = append(releases, r)
	}

	sort.Slice(releases, func(i, j int) bool {
		return semver.Compare(canonical(releases[i].Version), canonical(releases[j].Version)) > 0
	})
	return releases, nil
}

// GetLatest returns the highest version in the manifest.
func (c *ManifestClient) GetLatest(channel string) (*Release, error) {
	releases, err := c.GetAvailable(channel)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("no firmware releases found")
	}
	return &releases[0], nil
}

// FindVersion finds a specific version in the manifest.
func (c *ManifestClient) FindVersion(channel, version string) (*Release, error) {
	releases, err := c.GetAvailable(channel)
	if err != nil {
		return nil, err
	}
	for _, r := range releases {
		if canonical(r.Version) == canonical(version) {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("version %s not found", version)
}

// Fetch downloads a package document from url.
func (c *ManifestClient) Fetch(url string) ([]byte, error) {
	body, err := c.get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch firmware package: %w", err)
	}
	return body, nil
}

func (c *ManifestClient) get(url string) ([]byte, error) {
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPackageSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxPackageSize {
		return nil, fmt.Errorf("%s is larger than %d bytes", url, MaxPackageSize)
	}
	return body, nil
}

func canonical(v string) string {
	if len(v) > 0 && v[0] != 'v' {
		v = "v" + v
	}
	return semver.Canonical(v)
}
