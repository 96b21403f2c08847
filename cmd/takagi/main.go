package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	takagi "github.com/celsiusnarhwal/takagi"
	"github.com/celsiusnarhwal/takagi/keyset"
	"github.com/celsiusnarhwal/takagi/upstream"
)

func main() {
	app := &cli.App{
		Name:    "takagi",
		Usage:   "use GitHub (or Discord) as an OpenID Connect provider",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "provider",
				Usage: "upstream identity provider (github or discord)",
				Value: "github",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "address to listen on",
				Value: ":8000",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "env file to load before reading configuration",
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			runKeygen,
			runRotate,
		},
	}

	app.RunAndExitOnError()
}

func loadConfig(cmd *cli.Context) (*takagi.Config, upstream.Adapter, error) {
	if envFile := cmd.String("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, nil, fmt.Errorf("could not load env file: %w", err)
		}
	} else {
		godotenv.Load()
	}

	var adapter upstream.Adapter
	var prefix string

	switch cmd.String("provider") {
	case "github":
		adapter = upstream.NewGitHub(upstream.GitHubArgs{})
		prefix = "TAKAGI"
	case "discord":
		adapter = upstream.NewDiscord(upstream.DiscordArgs{})
		prefix = "SNOWFLAKE"
	default:
		return nil, nil, fmt.Errorf("unknown provider %q", cmd.String("provider"))
	}

	cfg, err := takagi.LoadConfig(prefix)
	if err != nil {
		return nil, nil, err
	}

	return cfg, adapter, nil
}

func keysFor(cfg *takagi.Config) (*keyset.Provider, error) {
	switch {
	case cfg.KeysetJSON != "":
		ks, err := keyset.Parse([]byte(cfg.KeysetJSON))
		if err != nil {
			return nil, fmt.Errorf("%s_KEYSET is invalid: %w", cfg.Prefix, err)
		}

		slog.Info("using a custom private keyset")

		return keyset.NewStaticProvider(ks), nil
	case cfg.KeysetFile != "":
		b, err := os.ReadFile(cfg.KeysetFile)
		if err != nil {
			return nil, fmt.Errorf("could not read %s_KEYSET_FILE: %w", cfg.Prefix, err)
		}

		ks, err := keyset.Parse(b)
		if err != nil {
			return nil, fmt.Errorf("%s_KEYSET_FILE is invalid: %w", cfg.Prefix, err)
		}

		slog.Info("using a custom private keyset")

		return keyset.NewStaticProvider(ks), nil
	default:
		return keyset.NewManagedProvider(managedKeysetPath(cfg))
	}
}

func managedKeysetPath(cfg *takagi.Config) string {
	return filepath.Join(cfg.DataDir, "keys", "keyset.json")
}

func runServe(cmd *cli.Context) error {
	cfg, adapter, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	keys, err := keysFor(cfg)
	if err != nil {
		return err
	}

	server := takagi.NewServer(takagi.ServerArgs{
		Config:  cfg,
		Keys:    keys,
		Adapter: adapter,
	})

	slog.Info("starting http server",
		"addr", cmd.String("addr"),
		"provider", adapter.Name(),
		"base_path", cfg.BasePath,
	)

	return server.Start(cmd.String("addr"))
}

var runKeygen = &cli.Command{
	Name:  "keygen",
	Usage: "print a fresh JWK Set suitable as a keyset value",
	Action: func(cmd *cli.Context) error {
		ks, err := keyset.Generate()
		if err != nil {
			return err
		}

		b, err := json.Marshal(ks)
		if err != nil {
			return err
		}

		fmt.Println(string(b))

		return nil
	},
}

var runRotate = &cli.Command{
	Name:  "rotate",
	Usage: "replace the managed keyset, invalidating all previously issued tokens",
	Action: func(cmd *cli.Context) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if cfg.KeysetJSON != "" || cfg.KeysetFile != "" {
			return fmt.Errorf("an externally supplied keyset cannot be rotated; " +
				"generate a replacement with keygen instead")
		}

		if _, err := keyset.Rotate(managedKeysetPath(cfg)); err != nil {
			return err
		}

		fmt.Println("rotated " + managedKeysetPath(cfg))

		return nil
	},
}
