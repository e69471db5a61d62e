package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/born-ml/styletransfer/internal/config"
	"github.com/born-ml/styletransfer/internal/device"
)

// errUsage marks a bad command line whose usage was already printed.
var errUsage = errors.New("usage")

// common holds the flags shared by every command.
type common struct {
	configPath string
	envFile    string
	logLevel   string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", c.configPath, "YAML configuration file")
	fs.StringVar(&c.envFile, "env", c.envFile, ".env file loaded before reading the configuration")
	fs.StringVar(&c.logLevel, "log_level", c.logLevel, "log level: debug, info, warn or error")
}

// prepare reads the .env and configuration files named in args, ahead of
// flag parsing so that flags override file values.
func prepare(args []string) (common, config.File, error) {
	c := common{
		configPath: lookupFlag(args, "config"),
		envFile:    lookupFlag(args, "env"),
		logLevel:   "info",
	}
	if c.envFile == "" {
		c.envFile = ".env"
	}
	if err := config.LoadEnv(c.envFile); err != nil {
		return c, config.File{}, err
	}
	file, err := config.Load(c.configPath)
	return c, file, err
}

// lookupFlag returns the value of -name or --name in args, in either the
// "-name value" or the "-name=value" form.
func lookupFlag(args []string, name string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		key := strings.TrimLeft(arg, "-")
		if key == arg {
			continue
		}
		if k, v, ok := strings.Cut(key, "="); ok && k == name {
			return v
		}
		if key == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log_level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// parse parses args strictly, printing usage on error.
func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return errUsage
	}
	return nil
}

// parseLenient parses args, dropping flags fs does not define. The dropped
// flags are returned for reporting.
func parseLenient(fs *flag.FlagSet, args []string) (unknown []string, err error) {
	out := fs.Output()
	fs.SetOutput(io.Discard)
	defer fs.SetOutput(out)

	for {
		err := fs.Parse(args)
		if err == nil {
			if fs.NArg() > 0 {
				unknown = append(unknown, fs.Args()...)
			}
			return unknown, nil
		}
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(out)
			fs.Usage()
			return unknown, errUsage
		}

		name, ok := strings.CutPrefix(err.Error(), "flag provided but not defined: -")
		if !ok {
			fmt.Fprintln(out, err)
			fs.SetOutput(out)
			fs.Usage()
			return unknown, errUsage
		}
		var dropped []string
		args, dropped = dropFlag(args, name)
		if len(dropped) == 0 {
			return unknown, fmt.Errorf("%w: %v", errUsage, err)
		}
		unknown = append(unknown, dropped...)
	}
}

// dropFlag removes every occurrence of flag name from args, together with
// a following value when the flag is not in the -name=value form.
func dropFlag(args []string, name string) (kept, dropped []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		key := strings.TrimLeft(arg, "-")
		if key == arg || arg == "--" {
			kept = append(kept, arg)
			continue
		}
		if k, _, ok := strings.Cut(key, "="); ok && k == name {
			dropped = append(dropped, arg)
			continue
		}
		if key != name {
			kept = append(kept, arg)
			continue
		}
		dropped = append(dropped, arg)
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			dropped[len(dropped)-1] += " " + args[i]
		}
	}
	return kept, dropped
}

func runTrain(ctx context.Context, args []string, stderr io.Writer) error {
	c, file, err := prepare(args)
	if err != nil {
		return err
	}
	cfg := file.Train

	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c.register(fs)
	fs.StringVar(&cfg.InputDir, "input_dir", cfg.InputDir, "folder holding vgg/, train/ and style_images/")
	fs.StringVar(&cfg.OutputDir, "output_dir", cfg.OutputDir, "folder receiving checkpoints (default $OUTPUT_DIR or ./output)")
	fs.StringVar(&cfg.LogDir, "log_dir", cfg.LogDir, "folder receiving event logs (default $LOG_DIR or ./log)")
	fs.IntVar(&cfg.GPUID, "gpu_id", cfg.GPUID, "GPU to train on, -1 for CPU")
	fs.StringVar(&cfg.StyleImage, "style_image", cfg.StyleImage, "style image file name under input_dir/style_images")
	fs.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "training batch size")
	fs.IntVar(&cfg.Epochs, "epoch", cfg.Epochs, "number of epochs")
	fs.Float64Var(&cfg.LambdaTV, "lambda_tv", cfg.LambdaTV, "total variation loss weight")
	fs.Float64Var(&cfg.LambdaFeat, "lambda_feat", cfg.LambdaFeat, "content loss weight")
	fs.Float64Var(&cfg.LambdaStyle, "lambda_style", cfg.LambdaStyle, "style loss weight")
	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "Adam learning rate")
	fs.IntVar(&cfg.ImageSize, "image_size", cfg.ImageSize, "side of the square training crops, a multiple of 4")
	fs.StringVar(&cfg.VGGFile, "vgg_file", cfg.VGGFile, "VGG19 weights file name under input_dir/vgg")
	fs.StringVar(&cfg.VGGPreprocess, "vgg_preprocess", cfg.VGGPreprocess, "VGG input preprocessing: caffe or torch")
	fs.IntVar(&cfg.LogEvery, "log_every", cfg.LogEvery, "steps between loss reports")
	fs.IntVar(&cfg.CheckpointEvery, "checkpoint_every", cfg.CheckpointEvery, "steps between checkpoints")
	fs.IntVar(&cfg.MaxToKeep, "max_to_keep", cfg.MaxToKeep, "checkpoints kept on disk, 0 keeps all")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "weight initialization seed")
	fs.IntVar(&cfg.Synthetic, "synthetic", cfg.Synthetic, "train on this many generated images instead of input_dir/train")

	unknown, err := parseLenient(fs, args)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, c.logLevel)
	if err != nil {
		return err
	}
	if len(unknown) > 0 {
		logger.Warn("ignoring unknown arguments", "args", unknown)
	}
	logger.Debug("host", "cpu", device.Describe())

	return runJob(ctx, cfg.GPUID, trainJob{cfg: cfg, logger: logger}, logger)
}

func runExport(ctx context.Context, args []string, stderr io.Writer) error {
	c, file, err := prepare(args)
	if err != nil {
		return err
	}
	cfg := file.Export

	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c.register(fs)
	fs.StringVar(&cfg.CkptDir, "ckpt_dir", cfg.CkptDir, "folder holding the training checkpoints")
	fs.StringVar(&cfg.ExportDir, "export_dir", cfg.ExportDir, "folder receiving the saved model, replaced if present")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "served image height, a multiple of 4")
	fs.IntVar(&cfg.Width, "width", cfg.Width, "served image width, a multiple of 4")
	fs.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "served batch size")
	if err := parse(fs, args); err != nil {
		return err
	}
	logger, err := newLogger(stderr, c.logLevel)
	if err != nil {
		return err
	}

	return runJob(ctx, -1, exportJob{cfg: cfg, logger: logger}, logger)
}

func runInfer(ctx context.Context, args []string, stderr io.Writer) error {
	c, file, err := prepare(args)
	if err != nil {
		return err
	}
	cfg := file.Infer

	fs := flag.NewFlagSet("infer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c.register(fs)
	for _, name := range []string{"input", "i"} {
		fs.StringVar(&cfg.Input, name, cfg.Input, "image to stylize")
	}
	for _, name := range []string{"gpu", "g"} {
		fs.IntVar(&cfg.GPU, name, cfg.GPU, "GPU to run on, -1 for CPU")
	}
	for _, name := range []string{"ckpt", "c"} {
		fs.StringVar(&cfg.Ckpt, name, cfg.Ckpt, "checkpoint folder, sized by the input image")
	}
	for _, name := range []string{"mdl", "m"} {
		fs.StringVar(&cfg.Model, name, cfg.Model, "saved model folder, resized to the model's signature")
	}
	for _, name := range []string{"out", "o"} {
		fs.StringVar(&cfg.Out, name, cfg.Out, "stylized image path")
	}
	if err := parse(fs, args); err != nil {
		return err
	}
	logger, err := newLogger(stderr, c.logLevel)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	return runJob(ctx, cfg.GPU, inferJob{cfg: cfg, logger: logger}, logger)
}

// modelFlag collects repeated name=dir pairs.
type modelFlag map[string]string

func (m modelFlag) String() string {
	names := config.Serve{Models: m}.ModelNames()
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+m[name])
	}
	return strings.Join(parts, ",")
}

func (m modelFlag) Set(v string) error {
	name, dir, ok := strings.Cut(v, "=")
	if !ok || name == "" || dir == "" {
		return fmt.Errorf("want name=dir, got %q", v)
	}
	m[name] = dir
	return nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	c, file, err := prepare(args)
	if err != nil {
		return err
	}
	cfg := file.Serve
	if cfg.Models == nil {
		cfg.Models = map[string]string{}
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c.register(fs)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.IntVar(&cfg.GPU, "gpu", cfg.GPU, "GPU to run on, -1 for CPU")
	fs.Var(modelFlag(cfg.Models), "model", "filter as name=export_dir, repeatable")
	fs.StringVar(&cfg.DefaultFilter, "default_filter", cfg.DefaultFilter, "filter used when a request names none")
	fs.StringVar(&cfg.SaveDir, "save_dir", cfg.SaveDir, "folder receiving every stylized image")
	fs.IntVar(&cfg.PoolSize, "pool_size", cfg.PoolSize, "concurrent requests per filter")
	fs.Int64Var(&cfg.MaxBodyBytes, "max_body_bytes", cfg.MaxBodyBytes, "request body limit")
	if err := parse(fs, args); err != nil {
		return err
	}
	logger, err := newLogger(stderr, c.logLevel)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	return runJob(ctx, cfg.GPU, serveJob{cfg: cfg, logger: logger}, logger)
}
