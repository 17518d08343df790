package harvest

import (
	"log/slog"
	"time"
)

// FormIdentity is the identification form submitted before each dossier
// download. The portal requires it but does not verify it.
type FormIdentity struct {
	Name      string `yaml:"name"`
	FirstName string `yaml:"first_name"`
	Email     string `yaml:"email"`
}

// Config configures a Harvester.
type Config struct {
	// Homepage of the tender portal.
	Homepage string `yaml:"homepage"`

	// LinkPrefix filters harvested anchors: only locators starting with it
	// are dossier detail pages.
	LinkPrefix string `yaml:"link_prefix"`

	// Category is the search form category filter value ("2" = fournitures).
	Category string `yaml:"category"`

	// Identity fills the download request form.
	Identity FormIdentity `yaml:"identity"`

	// MaxConcurrent bounds simultaneous dossier retrievals. Default: 3.
	MaxConcurrent int `yaml:"max_concurrent"`

	// PageTimeout bounds navigation and form interaction per retrieval.
	// Default: 90s.
	PageTimeout time.Duration `yaml:"page_timeout"`

	// DownloadTimeout bounds the wait for download completion, separately
	// from PageTimeout since archives can be large. Default: 5m.
	DownloadTimeout time.Duration `yaml:"download_timeout"`

	// SearchTimeout bounds the wait for search results to appear. An empty
	// result list is expected for quiet days, so this stays short. Default: 20s.
	SearchTimeout time.Duration `yaml:"search_timeout"`

	// RemoteBrowserURL connects to an external Chrome instead of launching
	// one. Empty = local launch.
	RemoteBrowserURL string `yaml:"remote_browser_url"`

	// Headless controls local Chrome visibility. Default: true.
	Headless *bool `yaml:"headless"`

	// OnProgress, when set, is invoked synchronously with a progress
	// snapshot after every state change. Deliveries are serialized and
	// arrive in the order the changes were applied.
	OnProgress func(Snapshot) `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Homepage == "" {
		c.Homepage = "https://www.marchespublics.gov.ma/index.php?page=entreprise.EntrepriseHome"
	}
	if c.LinkPrefix == "" {
		c.LinkPrefix = "https://www.marchespublics.gov.ma/index.php?page=entreprise.EntrepriseDetailConsultation"
	}
	if c.Category == "" {
		c.Category = "2"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 90 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 5 * time.Minute
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 20 * time.Second
	}
	if c.Headless == nil {
		t := true
		c.Headless = &t
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
