// crawlctl is the maintenance companion to the crawler: it prunes exhausted
// domains, normalizes legacy frontier files, caps oversized robots caches,
// migrates the legacy list-based queue, and runs standalone seeding.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pageharvest/crawler/internal/config"
	"github.com/pageharvest/crawler/internal/fetcher"
	"github.com/pageharvest/crawler/internal/frontier"
	"github.com/pageharvest/crawler/internal/kv"
	"github.com/pageharvest/crawler/internal/politeness"
	"github.com/pageharvest/crawler/internal/seed"
	"github.com/pageharvest/crawler/internal/urlutil"
)

const legacyQueueKey = "domains:queue:list"

const maxRobotsBytes = 100 * 1024

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *kv.Store
	files  *frontier.FileStore
}

func main() {
	var a app

	root := &cobra.Command{
		Use:   "crawlctl",
		Short: "Maintenance tools for the crawler's KV store and frontier files",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.teardown()
		},
	}

	root.AddCommand(
		a.pruneDomainsCmd(),
		a.normalizeFrontierCmd(),
		a.truncateRobotsCmd(),
		a.migrateQueueCmd(),
		a.seedCmd(),
		a.seedSitemapCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}

	store, err := kv.Open(ctx, kv.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		PoolSize: 10,
		DataDir:  cfg.DataDir,
	}, logger)
	if err != nil {
		return err
	}

	files, err := frontier.NewFileStore(cfg.DataDir, logger)
	if err != nil {
		store.Close()
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.store = store
	a.files = files
	return nil
}

func (a *app) teardown() {
	if a.store != nil {
		a.store.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

// pruneDomainsCmd removes queued domains with no unread frontier bytes.
func (a *app) pruneDomainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune-domains",
		Short: "Remove exhausted domains from the ready-domain queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			members, err := a.store.QueueMembers(ctx)
			if err != nil {
				return err
			}

			pruned := 0
			for _, m := range members {
				domain, _ := m.Member.(string)
				offset, size, err := a.store.FrontierBounds(ctx, domain)
				if err != nil {
					return err
				}
				if offset >= size {
					if _, err := a.store.QueueRemove(ctx, domain); err != nil {
						return err
					}
					pruned++
				}
			}

			a.logger.Info("pruned exhausted domains",
				zap.Int("pruned", pruned),
				zap.Int("scanned", len(members)),
			)
			return nil
		},
	}
}

// normalizeFrontierCmd rewrites a domain's frontier file with normalized URLs
// and rewinds its offset.
func (a *app) normalizeFrontierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize-frontier <domain>",
		Short: "Rewrite a legacy frontier file with normalized URLs and reset its offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			domain := args[0]

			records, err := a.files.ReadAll(domain)
			if err != nil {
				return err
			}

			normalized := make([]frontier.Record, 0, len(records))
			dropped := 0
			for _, rec := range records {
				u, err := urlutil.Normalize(rec.URL)
				if err != nil {
					dropped++
					continue
				}
				normalized = append(normalized, frontier.Record{URL: u, Depth: rec.Depth})
			}

			size, err := a.files.Rewrite(domain, normalized)
			if err != nil {
				return err
			}
			if err := a.store.ResetFrontier(ctx, domain, size); err != nil {
				return err
			}

			a.logger.Info("frontier normalized",
				zap.String("domain", domain),
				zap.Int("kept", len(normalized)),
				zap.Int("dropped", dropped),
				zap.Int64("new_size", size),
			)
			return nil
		},
	}
}

// truncateRobotsCmd caps persisted robots.txt bodies at the storage limit.
func (a *app) truncateRobotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "truncate-robots",
		Short: "Cap persisted robots.txt bodies at 100 KiB",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			truncated := 0

			err := a.store.ScanDomains(ctx, func(domain string) error {
				body, expires, err := a.store.Robots(ctx, domain)
				if err != nil {
					return err
				}
				if len(body) <= maxRobotsBytes {
					return nil
				}
				if err := a.store.SetRobots(ctx, domain, body[:maxRobotsBytes], expires); err != nil {
					return err
				}
				truncated++
				return nil
			})
			if err != nil {
				return err
			}

			a.logger.Info("robots caches truncated", zap.Int("truncated", truncated))
			return nil
		},
	}
}

// migrateQueueCmd moves the legacy list-based ready queue into the sorted set.
func (a *app) migrateQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-queue",
		Short: "Migrate the legacy list-based domain queue to the sorted set",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb := a.store.Client()

			domains, err := rdb.LRange(ctx, legacyQueueKey, 0, -1).Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to read legacy queue: %w", err)
			}
			if len(domains) == 0 {
				a.logger.Info("no legacy queue entries to migrate")
				return nil
			}

			now := nowScore()
			for _, domain := range domains {
				if err := a.store.QueueAddLT(ctx, domain, now); err != nil {
					return err
				}
			}
			if err := rdb.Del(ctx, legacyQueueKey).Err(); err != nil {
				return fmt.Errorf("failed to delete legacy queue: %w", err)
			}

			a.logger.Info("legacy queue migrated", zap.Int("domains", len(domains)))
			return nil
		},
	}
}

// seedCmd runs the seed loader standalone.
func (a *app) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Load a seed file into the frontier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := a.buildFrontier()
			loader := seed.NewLoader(mgr, a.logger)
			added, err := loader.LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.logger.Info("seeding complete", zap.Int("added", added))
			return nil
		},
	}
}

// seedSitemapCmd seeds the frontier from an XML sitemap.
func (a *app) seedSitemapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-sitemap <url>",
		Short: "Load a sitemap's URLs into the frontier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := a.buildFrontier()
			fetch := fetcher.NewClient(fetcher.Config{
				Timeout:   a.cfg.FetchTimeout,
				UserAgent: a.cfg.UserAgent,
			}, a.logger)
			loader := seed.NewSitemapLoader(mgr, fetch, a.logger)
			added, err := loader.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.logger.Info("sitemap seeding complete", zap.Int("added", added))
			return nil
		},
	}
}

func nowScore() float64 {
	return float64(time.Now().Unix())
}

func (a *app) buildFrontier() *frontier.Manager {
	fetch := fetcher.NewClient(fetcher.Config{
		Timeout:   a.cfg.FetchTimeout,
		UserAgent: a.cfg.UserAgent,
	}, a.logger)
	enforcer := politeness.NewEnforcer(a.store, fetch, politeness.Options{
		UAToken:       config.UAToken,
		MinCrawlDelay: a.cfg.MinCrawlDelay,
		RobotsTTL:     a.cfg.RobotsTTL,
		CacheSize:     a.cfg.RobotsCacheSize,
	}, a.logger)
	return frontier.NewManager(a.store, a.files, enforcer, a.logger)
}
