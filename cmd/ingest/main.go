// File: cmd/ingest/main.go
//
// ingest registers the inputs of an evaluation run: datasets (CSV or JSONL),
// models, prompts, and the work-cell matrix over them.
//
//	ingest -config config.yaml dataset -name sst2 -file rows.csv
//	ingest -config config.yaml model -name gpt-4o-mini -family openai
//	ingest -config config.yaml prompt -name zero-shot -file prompt.txt
//	ingest -config config.yaml matrix -models gpt-4o-mini,gemini-2.0-flash -prompts zero-shot -dataset sst2
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ensemble-inference-scheduler/internal/app"
	"ensemble-inference-scheduler/internal/config"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/infra/logging"
	"ensemble-inference-scheduler/internal/usecase"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs)")
	flag.Parse()

	if flag.NArg() < 1 {
		log.Fatalf("usage: ingest [flags] dataset|model|prompt|matrix ...")
	}

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stores, err := app.BuildStores(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("store backend")
	}
	defer stores.Close()

	uc := usecase.NewExpanderUseCase(
		stores.Datasets, stores.Models, stores.Prompts,
		stores.Cells, stores.Tasks, stores.TM, logger,
	)

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "dataset":
		err = runDataset(ctx, uc, args)
	case "model":
		err = runModel(ctx, uc, args)
	case "prompt":
		err = runPrompt(ctx, uc, args)
	case "matrix":
		err = runMatrix(ctx, uc, args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("ingest failed")
	}
}

func runDataset(ctx context.Context, uc usecase.ExpanderUseCase, args []string) error {
	fs := flag.NewFlagSet("dataset", flag.ExitOnError)
	name := fs.String("name", "", "dataset name")
	file := fs.String("file", "", "rows file (.csv or .jsonl)")
	_ = fs.Parse(args)
	if *name == "" || *file == "" {
		return fmt.Errorf("dataset: -name and -file are required")
	}

	rows, err := readRows(*file)
	if err != nil {
		return err
	}
	ds, err := uc.RegisterDataset(ctx, *name, rows)
	if err != nil {
		return err
	}
	fmt.Printf("dataset %s registered: %d rows (id=%s)\n", ds.Name, len(rows), ds.ID)
	return nil
}

func runModel(ctx context.Context, uc usecase.ExpanderUseCase, args []string) error {
	fs := flag.NewFlagSet("model", flag.ExitOnError)
	name := fs.String("name", "", "model name")
	family := fs.String("family", "", "model family (openai|gemini|local|noop)")
	_ = fs.Parse(args)
	if *name == "" || *family == "" {
		return fmt.Errorf("model: -name and -family are required")
	}
	m, err := uc.RegisterModel(ctx, *name, *family)
	if err != nil {
		return err
	}
	fmt.Printf("model %s registered (family=%s, id=%s)\n", m.Name, m.Family, m.ID)
	return nil
}

func runPrompt(ctx context.Context, uc usecase.ExpanderUseCase, args []string) error {
	fs := flag.NewFlagSet("prompt", flag.ExitOnError)
	name := fs.String("name", "", "prompt name")
	file := fs.String("file", "", "template file; {{text}} marks the row text")
	template := fs.String("template", "", "inline template (alternative to -file)")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("prompt: -name is required")
	}
	tpl := *template
	if tpl == "" {
		if *file == "" {
			return fmt.Errorf("prompt: -file or -template is required")
		}
		b, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		tpl = string(b)
	}
	p, err := uc.RegisterPrompt(ctx, *name, tpl)
	if err != nil {
		return err
	}
	fmt.Printf("prompt %s registered (id=%s)\n", p.Name, p.ID)
	return nil
}

func runMatrix(ctx context.Context, uc usecase.ExpanderUseCase, args []string) error {
	fs := flag.NewFlagSet("matrix", flag.ExitOnError)
	models := fs.String("models", "", "comma-separated model names")
	prompts := fs.String("prompts", "", "comma-separated prompt names")
	dataset := fs.String("dataset", "", "dataset name")
	_ = fs.Parse(args)
	if *models == "" || *prompts == "" || *dataset == "" {
		return fmt.Errorf("matrix: -models, -prompts and -dataset are required")
	}
	created, err := uc.RegisterMatrix(ctx, splitList(*models), splitList(*prompts), *dataset)
	if err != nil {
		return err
	}
	fmt.Printf("matrix registered: %d new work cells\n", created)
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// readRows loads dataset rows from CSV (text,expected columns, header
// optional) or JSONL ({"text": ..., "expected": ...} per line).
func readRows(path string) ([]*model.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSVRows(f)
	case ".jsonl", ".ndjson":
		return readJSONLRows(f)
	default:
		return nil, fmt.Errorf("unsupported rows format %q (want .csv or .jsonl)", filepath.Ext(path))
	}
}

func readCSVRows(r io.Reader) ([]*model.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	var rows []*model.Row
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if strings.EqualFold(strings.TrimSpace(rec[0]), "text") {
				continue
			}
		}
		row := &model.Row{Text: rec[0]}
		if len(rec) > 1 {
			row.Expected = rec[1]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readJSONLRows(r io.Reader) ([]*model.Row, error) {
	var rows []*model.Row
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec struct {
			ID       string `json:"id"`
			Text     string `json:"text"`
			Expected string `json:"expected"`
		}
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, &model.Row{ID: rec.ID, Text: rec.Text, Expected: rec.Expected})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
