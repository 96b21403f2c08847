// Package takagi implements an OpenID Connect 1.0 provider backed by an
// upstream OAuth2 identity provider. Relying parties speak vanilla OIDC;
// Takagi translates each flow onto the upstream API and issues its own
// signed tokens.
package takagi

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the typed environment configuration, built once at startup.
// Every field has an explicit default; any parse failure is fatal.
type Config struct {
	Prefix string

	AllowedHosts          []string
	AllowedClients        []string
	BasePath              string
	FixRedirectURIs       bool
	TokenLifetime         time.Duration // 0 means tokens effectively never expire
	RootRedirect          string
	TreatLoopbackAsSecure bool
	ReturnToReferrer      bool
	AllowedWebfingerHosts []string
	KeysetJSON            string
	KeysetFile            string
	EnableDocs            bool
	DataDir               string
}

var loopbackHosts = []string{"localhost", "127.0.0.1", "::1"}

// LoadConfig reads the environment under the given prefix ("TAKAGI" or
// "SNOWFLAKE") into a Config.
func LoadConfig(prefix string) (*Config, error) {
	cfg := &Config{
		Prefix:                prefix,
		AllowedClients:        []string{"*"},
		BasePath:              "/",
		RootRedirect:          "repo",
		TreatLoopbackAsSecure: true,
		DataDir:               "./data",
	}

	lookup := func(name string) (string, bool) {
		v, ok := os.LookupEnv(prefix + "_" + name)
		return v, ok && v != ""
	}

	if v, ok := lookup("ALLOWED_HOSTS"); ok {
		cfg.AllowedHosts = splitCSV(v)
	}

	for _, host := range cfg.AllowedHosts {
		if host == "*" {
			slog.Warn(fmt.Sprintf("Setting %s_ALLOWED_HOSTS to '*' is insecure and not recommended.", prefix))
			break
		}
	}

	// loopback is always reachable
	cfg.AllowedHosts = append(cfg.AllowedHosts, loopbackHosts...)

	if v, ok := lookup("ALLOWED_CLIENTS"); ok {
		cfg.AllowedClients = splitCSV(v)
	}

	if v, ok := lookup("BASE_PATH"); ok {
		cfg.BasePath = "/" + strings.Trim(v, "/")
	}

	var err error

	if cfg.FixRedirectURIs, err = lookupBool(lookup, "FIX_REDIRECT_URIS", false); err != nil {
		return nil, err
	}

	if v, ok := lookup("TOKEN_LIFETIME"); ok {
		lifetime, err := ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s_TOKEN_LIFETIME is not a valid duration: %w", prefix, err)
		}

		if lifetime < time.Minute {
			return nil, fmt.Errorf("%s_TOKEN_LIFETIME must be at least 60 seconds", prefix)
		}

		cfg.TokenLifetime = lifetime
	}

	if v, ok := lookup("ROOT_REDIRECT"); ok {
		switch v {
		case "repo", "settings", "docs", "off":
			cfg.RootRedirect = v
		default:
			return nil, fmt.Errorf("%s_ROOT_REDIRECT must be one of repo, settings, docs, off", prefix)
		}
	}

	if cfg.TreatLoopbackAsSecure, err = lookupBool(lookup, "TREAT_LOOPBACK_AS_SECURE", true); err != nil {
		return nil, err
	}

	if cfg.ReturnToReferrer, err = lookupBool(lookup, "RETURN_TO_REFERRER", false); err != nil {
		return nil, err
	}

	if v, ok := lookup("ALLOWED_WEBFINGER_HOSTS"); ok {
		hosts := splitCSV(v)

		for _, host := range hosts {
			if host == "*" {
				return nil, fmt.Errorf("the unqualified wildcard ('*') is not permitted in %s_ALLOWED_WEBFINGER_HOSTS", prefix)
			}
		}

		cfg.AllowedWebfingerHosts = hosts
	}

	cfg.KeysetJSON, _ = lookup("KEYSET")
	cfg.KeysetFile, _ = lookup("KEYSET_FILE")

	if cfg.KeysetJSON != "" && cfg.KeysetFile != "" {
		return nil, fmt.Errorf("%s_KEYSET and %s_KEYSET_FILE cannot both be set", prefix, prefix)
	}

	if cfg.EnableDocs, err = lookupBool(lookup, "ENABLE_DOCS", false); err != nil {
		return nil, err
	}

	if cfg.RootRedirect == "docs" {
		cfg.EnableDocs = true
	}

	if v, ok := lookup("DATA_DIR"); ok {
		cfg.DataDir = v
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	var out []string

	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

func lookupBool(lookup func(string) (string, bool), name string, fallback bool) (bool, error) {
	v, ok := lookup(name)
	if !ok {
		return fallback, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s is not a valid boolean: %q", name, v)
	}

	return b, nil
}

var durationPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)([a-zµ]+)`)

var durationUnits = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond,
	"µs": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"mm": 30 * 24 * time.Hour,
	"y":  365 * 24 * time.Hour,
}

// ParseDuration parses durations with the standard time units extended by
// d (24h), w (7d), mm (30d) and y (365d), e.g. "1y6mm" or "2w12h".
func ParseDuration(s string) (time.Duration, error) {
	rest := strings.TrimSpace(s)
	if rest == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var total time.Duration

	for rest != "" {
		match := durationPattern.FindStringSubmatch(rest)
		if match == nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}

		unit, ok := durationUnits[match[2]]
		if !ok {
			return 0, fmt.Errorf("unknown duration unit %q in %q", match[2], s)
		}

		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}

		total += time.Duration(value * float64(unit))
		rest = rest[len(match[0]):]
	}

	return total, nil
}
