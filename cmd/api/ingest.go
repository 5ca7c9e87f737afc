package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/ingestion"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/config"
	appLogger "github.com/krishi-officer/backend/pkg/logger"
)

type ingestOptions struct {
	file      string
	language  string
	crops     []string
	diseases  []string
	districts []string
	seasons   []string
}

func newIngestCmd(cfg func() *config.Config) *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest URL...",
		Short: "Index advisory pages into the knowledge base",
		Example: "  krishi ingest https://kau.in/advisory/rice-blast --crop rice --disease blast\n" +
			"  krishi ingest https://kau.in/advisory/pepper --file ./pepper.html --language ml",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.file != "" && len(args) > 1 {
				return eris.New("--file takes exactly one URL")
			}
			return ingest(cmd.Context(), cfg(), args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.file, "file", "", "read the page HTML from this file instead of fetching the URL")
	f.StringVar(&opts.language, "language", "", "page language (en or ml); detected when empty")
	f.StringSliceVar(&opts.crops, "crop", nil, "crop tag, repeatable")
	f.StringSliceVar(&opts.diseases, "disease", nil, "disease tag, repeatable")
	f.StringSliceVar(&opts.districts, "district", nil, "district tag, repeatable")
	f.StringSliceVar(&opts.seasons, "season", nil, "season tag, repeatable")
	return cmd
}

func ingest(ctx context.Context, cfg *config.Config, urls []string, opts ingestOptions) error {
	comp, err := openComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer comp.close()

	tags := models.PassageTags{
		Crops:     opts.crops,
		Diseases:  opts.diseases,
		Districts: opts.districts,
		Seasons:   opts.seasons,
	}

	var failed []string
	for _, url := range urls {
		in, err := loadInput(ctx, comp.processor, url, opts.file)
		if err != nil {
			appLogger.Error("Failed to load document", zap.String("url", url), zap.Error(err))
			failed = append(failed, url)
			continue
		}
		in.Language = opts.language
		in.Tags = tags

		doc, err := comp.processor.ProcessDocument(ctx, in)
		if err != nil {
			appLogger.Error("Failed to ingest document", zap.String("url", url), zap.Error(err))
			failed = append(failed, url)
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", doc.ID, doc.Language, doc.Title)
	}

	if len(failed) > 0 {
		return eris.Errorf("%d of %d documents failed: %s", len(failed), len(urls), strings.Join(failed, ", "))
	}
	return nil
}

func loadInput(ctx context.Context, p *ingestion.Processor, url, file string) (ingestion.Input, error) {
	if file == "" {
		return p.Fetch(ctx, url)
	}
	html, err := os.ReadFile(file)
	if err != nil {
		return ingestion.Input{}, err
	}
	return ingestion.Input{URL: url, HTML: string(html), ContentType: "text/html"}, nil
}
