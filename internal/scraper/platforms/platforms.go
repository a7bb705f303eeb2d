// Package platforms is the single place where adapters are registered.
package platforms

import (
	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"github.com/ZJUSCT/OJTrack/internal/scraper/bbcoj"
	"github.com/ZJUSCT/OJTrack/internal/scraper/coderlands"
	"github.com/ZJUSCT/OJTrack/internal/scraper/ctoj"
	"github.com/ZJUSCT/OJTrack/internal/scraper/luogu"
	"github.com/ZJUSCT/OJTrack/internal/scraper/ybt"
)

// Registry returns a registry holding every supported platform.
func Registry() *scraper.Registry {
	r := scraper.NewRegistry()
	r.Register(luogu.Info, luogu.New)
	r.Register(bbcoj.Info, bbcoj.New)
	r.Register(ybt.Info, ybt.New)
	r.Register(ctoj.Info, ctoj.New)
	r.Register(coderlands.Info, coderlands.New)
	return r
}

// Options builds adapter options for one platform from the scraper config. The
// rate limiter is shared by every adapter instance of the platform.
func Options(cfg config.Scraper, platform string) scraper.Options {
	return scraper.Options{
		BaseURL:     cfg.BaseURLs[platform],
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.RequestTimeout(),
		MaxAttempts: cfg.MaxAttempts,
		Limiter:     scraper.PlatformLimiter(platform, cfg.MinInterval(platform)),
	}
}
