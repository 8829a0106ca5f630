// Package stealth makes pooled headless sessions present as ordinary
// user-operated browsers. Marketplace pages aggressively fingerprint
// automation, so every session gets a persona and the evasion script
// before its first navigation.
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"math/rand"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
	// Viewport dimensions in CSS pixels.
	Width  int
	Height int
}

// personas is the pool personas are drawn from. All are current-ish
// desktop Chrome builds; mobile UAs change page layouts too much for
// shared patterns.
var personas = []Persona{
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Platform:  "Win32",
		Languages: []string{"en-US", "en"},
		Timezone:  "America/Los_Angeles",
		Locale:    "en-US",
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Platform:  "MacIntel",
		Languages: []string{"en-US", "en"},
		Timezone:  "America/New_York",
		Locale:    "en-US",
	},
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		Platform:  "Win32",
		Languages: []string{"en-US", "en"},
		Timezone:  "America/Chicago",
		Locale:    "en-US",
	},
}

// RandomPersona draws a persona and a viewport within a plausible
// desktop range.
func RandomPersona(rng *rand.Rand) Persona {
	p := personas[rng.Intn(len(personas))]
	p.Width = 1280 + rng.Intn(641) // 1280..1920
	p.Height = 800 + rng.Intn(281) // 800..1080
	return p
}

// DefaultPersona is a fixed profile for deterministic runs.
var DefaultPersona = func() Persona {
	p := personas[0]
	p.Width = 1920
	p.Height = 1080
	return p
}()

// Apply builds the CDP actions that install the persona on a fresh
// session: UA/platform override, evasion script, timezone, locale,
// viewport and matching Accept-Language headers.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("applying stealth persona",
		zap.String("user_agent", p.UserAgent),
		zap.String("platform", p.Platform),
		zap.Int("width", p.Width),
		zap.Int("height", p.Height),
	)

	return chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).WithPlatform(p.Platform),

		// AddScriptToEvaluateOnNewDocument returns two values, so it
		// doesn't satisfy chromedp.Action directly.
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx)
			if err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),

		emulation.SetTimezoneOverride(p.Timezone),
		emulation.SetLocaleOverride().WithLocale(p.Locale),
		chromedp.EmulateViewport(int64(p.Width), int64(p.Height)),

		network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": fmt.Sprintf("%s,%s;q=0.9", p.Languages[0], p.Languages[1]),
		}),
	}
}
