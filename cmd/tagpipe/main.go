package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/postgraph/tagpipe/amqpclient"
	"github.com/postgraph/tagpipe/config"
	"github.com/postgraph/tagpipe/consumer"
	"github.com/postgraph/tagpipe/enrich"
	"github.com/postgraph/tagpipe/graphstore"
	"github.com/postgraph/tagpipe/message"
	"github.com/postgraph/tagpipe/poststore"
	"github.com/postgraph/tagpipe/producer"
	"github.com/postgraph/tagpipe/service"
)

func main() {
	app := &cli.App{
		Name:  "tagpipe",
		Usage: "Event-driven post enrichment pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "consume",
				Usage:  "Run the enrichment pipeline consumers",
				Action: consumeCommand,
			},
			{
				Name:   "publish",
				Usage:  "Publish a test event to the exchange",
				Action: publishCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "type",
						Usage:    "Event type (created or interacted)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "post-id",
						Usage:    "Post identifier",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "user-id",
						Usage:    "User identifier",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "text",
						Usage: "Post body (created events)",
					},
					&cli.StringFlag{
						Name:  "interaction",
						Usage: "Interaction type (interacted events)",
						Value: "like",
					},
				},
			},
			{
				Name:   "reprocess",
				Usage:  "Re-run tag enrichment over existing posts",
				Action: reprocessCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "post-id",
						Usage: "Reprocess a single post instead of the most recent ones",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of posts to reprocess",
						Value: 100,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func consumeCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := service.New(cfg, slog.Default())
	if err != nil {
		return err
	}
	return runtime.Run(ctx)
}

func publishCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := amqpclient.NewClient(cfg.Broker.URL,
		amqpclient.WithConnectionName(cfg.Broker.ConnectionName+"-publish"))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.EnsureTopology(ctx, amqpclient.Topology{
		Exchange: cfg.Broker.Exchange,
		Queues: []amqpclient.Queue{
			{Name: cfg.Consumers.PostCreated.Name, RoutingKey: cfg.Consumers.PostCreated.RoutingKey},
			{Name: cfg.Consumers.PostInteracted.Name, RoutingKey: cfg.Consumers.PostInteracted.RoutingKey},
		},
	}); err != nil {
		return err
	}

	pub, err := producer.NewProducer(client, cfg.Broker.Exchange)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	ev, err := buildEvent(c)
	if err != nil {
		return err
	}

	if err := pub.Publish(ctx, ev); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "published %s for post %s\n", ev.RoutingKey(), c.String("post-id"))
	return nil
}

func buildEvent(c *cli.Context) (message.Event, error) {
	now := time.Now().UTC()

	switch c.String("type") {
	case "created":
		if c.String("text") == "" {
			return nil, fmt.Errorf("created events require --text")
		}
		return &message.PostCreated{
			PostID:    c.String("post-id"),
			UserID:    c.String("user-id"),
			Text:      c.String("text"),
			CreatedAt: now,
		}, nil
	case "interacted":
		return &message.PostInteracted{
			PostID:          c.String("post-id"),
			UserID:          c.String("user-id"),
			InteractionType: message.InteractionType(c.String("interaction")),
			CreatedAt:       now,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q: must be created or interacted", c.String("type"))
	}
}

func reprocessCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Relational.DSN == "" {
		return fmt.Errorf("reprocess requires relational.dsn in the configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := poststore.New(ctx, cfg.Relational)
	if err != nil {
		return err
	}
	defer store.Close()

	writer, err := graphstore.NewWriter(cfg.Graph)
	if err != nil {
		return err
	}
	defer func() { _ = writer.Close(context.Background()) }()

	if err := writer.Initialize(ctx); err != nil {
		return err
	}

	classifier, err := enrich.New(cfg.Enrichment)
	if err != nil {
		return err
	}

	posts, err := fetchPosts(ctx, store, c.String("post-id"), c.Int("limit"))
	if err != nil {
		return err
	}

	logger := slog.Default().With("component", "reprocess")
	logger.Info("reprocessing posts", "count", len(posts))

	var failed int
	for _, p := range posts {
		if err := reprocessPost(ctx, classifier, writer, p); err != nil {
			failed++
			logger.Warn("post reprocess failed", "post_id", p.ID, "error", err)
			continue
		}
		logger.Info("post reprocessed", "post_id", p.ID)
	}

	if failed > 0 {
		return fmt.Errorf("reprocess finished with %d of %d posts failed", failed, len(posts))
	}
	return nil
}

// postSource is the subset of the relational store the reprocess command reads
type postSource interface {
	GetPost(ctx context.Context, id string) (*poststore.Post, error)
	ListPosts(ctx context.Context, limit int) ([]poststore.Post, error)
}

// fetchPosts selects the posts to reprocess: one by id when --post-id is
// given, otherwise the most recent posts up to the limit.
func fetchPosts(ctx context.Context, src postSource, postID string, limit int) ([]poststore.Post, error) {
	if postID != "" {
		p, err := src.GetPost(ctx, postID)
		if err != nil {
			return nil, err
		}
		return []poststore.Post{*p}, nil
	}
	return src.ListPosts(ctx, limit)
}

func reprocessPost(ctx context.Context, extractor consumer.TagExtractor, writer consumer.GraphWriter, p poststore.Post) error {
	tags, err := extractor.ExtractTags(ctx, p.Body)
	if err != nil {
		return err
	}
	return writer.LinkPostToTags(ctx, p.ID, tags)
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return nil
}
