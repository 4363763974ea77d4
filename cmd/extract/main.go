// Command extract computes the RGB feature image of one APK without calling the
// classifier, for inspecting what the model would see.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/apkfile"
	"github.com/apk-analysis/apk-rgb-go/internal/config"
	"github.com/apk-analysis/apk-rgb-go/internal/features"
)

// report 输出到 stdout 的摘要
type report struct {
	File      string             `json:"file"`
	SHA256    string             `json:"sha256"`
	Size      int64              `json:"size"`
	Dims      int                `json:"dims"`
	Means     map[string]float64 `json:"channel_means"`
	Digest    string             `json:"digest"`
	Durations map[string]string  `json:"durations"`
	TensorOut string             `json:"tensor_out,omitempty"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "extract:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional config file; flags override it")
	dims := fs.Int("dims", 0, "output image side length")
	rankingPath := fs.String("ranking", "", "opcode feature ranking file")
	smaliDir := fs.String("smali", "", "decompiled source directory (default: <apk dir>/<smali_dir_name>)")
	out := fs.String("out", "", "write the tensor as nested JSON to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: extract [flags] file.apk")
	}
	apkPath := fs.Arg(0)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if *dims > 0 {
		cfg.Features.Dims = *dims
	}
	if *rankingPath != "" {
		cfg.Features.RankingPath = *rankingPath
	}

	ranking, err := features.LoadFeatureRanking(cfg.Features.RankingPath)
	if err != nil {
		return err
	}
	extractor, err := features.NewExtractor(cfg.Features.Dims, ranking)
	if err != nil {
		return err
	}

	var opts []apkfile.Option
	dir := *smaliDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(apkPath), cfg.Features.SmaliDirName)
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		opts = append(opts, apkfile.WithSourceDir(dir))
	}

	pkg, err := apkfile.OpenFile(apkPath, opts...)
	if err != nil {
		return err
	}
	res, err := extractor.Extract(context.Background(), pkg)
	if err != nil {
		return err
	}

	rep := report{
		File:   pkg.Name(),
		SHA256: pkg.SHA256(),
		Size:   pkg.Size(),
		Dims:   res.Tensor.Dims,
		Means: map[string]float64{
			string(features.ChannelTexture):   res.Tensor.ChannelMean(0),
			string(features.ChannelOpcode):    res.Tensor.ChannelMean(1),
			string(features.ChannelFuzzyHash): res.Tensor.ChannelMean(2),
		},
		Digest:    res.Digest,
		Durations: make(map[string]string, len(res.Durations)),
	}
	for ch, d := range res.Durations {
		rep.Durations[string(ch)] = d.Round(time.Microsecond).String()
	}

	if *out != "" {
		data, err := json.Marshal(res.Tensor.Nested())
		if err != nil {
			return err
		}
		if err := os.WriteFile(*out, data, 0644); err != nil {
			return fmt.Errorf("write tensor: %w", err)
		}
		rep.TensorOut = *out
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
