// Command changefeed is an AWS Lambda function that publishes row checksums
// from DynamoDB Streams to a baseline table.
//
// Configuration comes from the environment:
//
//	ROWLOCK_SCHEMAS         path to the declared schemas (default schemas.yaml)
//	ROWLOCK_BASELINE_TABLE  table receiving baselines (required)
//	ROWLOCK_LOG_LEVEL       debug, info, warn or error (default info)
//
// Outside Lambda, pass -event with a stream event JSON file to process it once.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/jacentio/rowlock/store"
	"github.com/jacentio/rowlock/stream"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "changefeed: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	eventFile := flag.String("event", "", "Process a DynamoDB stream event JSON file once instead of running as a Lambda")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(os.Getenv("ROWLOCK_LOG_LEVEL"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	table := os.Getenv("ROWLOCK_BASELINE_TABLE")
	if table == "" {
		return errors.New("ROWLOCK_BASELINE_TABLE is required")
	}
	schemaPath := os.Getenv("ROWLOCK_SCHEMAS")
	if schemaPath == "" {
		schemaPath = "schemas.yaml"
	}

	registry, err := loadSchemas(schemaPath)
	if err != nil {
		return err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	notifier := stream.NewTableNotifier(dynamodb.NewFromConfig(awsCfg), table)
	handler := stream.NewHandler(registry, notifier, logger)

	slog.InfoContext(ctx, "changefeed ready",
		"baselineTable", table,
		"schemas", len(registry.Schemas()),
	)

	if *eventFile != "" {
		return replay(ctx, handler, *eventFile)
	}
	lambda.StartWithOptions(handler.HandleChanges, lambda.WithContext(ctx))
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	ll := &slog.LevelVar{}
	switch level {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "", "info":
		ll.Set(slog.LevelInfo)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return nil, fmt.Errorf("unknown log level: %q", level)
	}

	// CloudWatch adds its own timestamps.
	underLambda := os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underLambda && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})), nil
}

func loadSchemas(path string) (*store.Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schemas: %w", err)
	}
	defer f.Close()

	registry := store.NewRegistry()
	if err := registry.LoadSchemas(f); err != nil {
		return nil, err
	}
	if len(registry.Schemas()) == 0 {
		return nil, fmt.Errorf("no schemas declared in %s", path)
	}
	return registry, nil
}

func replay(ctx context.Context, handler *stream.Handler, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read event: %w", err)
	}
	var event events.DynamoDBEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return handler.HandleChanges(ctx, event)
}
