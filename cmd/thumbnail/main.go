// Command thumbnail creates one thumbnail from an image file or a raw pixel
// buffer on the local machine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dunamismax/thumbflow/internal/backend"
	"github.com/dunamismax/thumbflow/internal/thumbnail"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"
)

const EnvVarPrefix = "THUMBFLOW_"

// outputFlags are shared by every subcommand.
var outputFlags = []cli.Flag{
	cli.IntFlag{
		Name:   "size, s",
		Value:  256,
		Usage:  "longest edge of the thumbnail in pixels",
		EnvVar: EnvVarPrefix + "DEFAULT_TARGET_SIZE",
	},
	cli.IntFlag{
		Name:   "quality, q",
		Value:  thumbnail.DefaultQuality,
		Usage:  "JPEG quality or PNG effort, 1-100",
		EnvVar: EnvVarPrefix + "DEFAULT_QUALITY",
	},
	cli.StringFlag{
		Name:  "out, o",
		Usage: "output file; the thumbnail is written to stdout when empty",
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "thumbnail"
	app.Usage = "downscale an image into a JPEG or PNG thumbnail"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "debug, d",
			Usage:  "debug logging",
			EnvVar: EnvVarPrefix + "DEBUG",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "file",
			Usage:  "thumbnail an encoded image file",
			Action: runFile,
			Flags: append([]cli.Flag{
				cli.StringFlag{Name: "in, i", Usage: "input image path"},
			}, outputFlags...),
		},
		{
			Name:   "raw",
			Usage:  "thumbnail an interleaved 8-bit pixel buffer",
			Action: runRaw,
			Flags: append([]cli.Flag{
				cli.StringFlag{Name: "in, i", Usage: "raw pixel file path"},
				cli.IntFlag{Name: "width", Usage: "buffer width in pixels"},
				cli.IntFlag{Name: "height", Usage: "buffer height in pixels"},
				cli.IntFlag{Name: "bands", Value: 3, Usage: "channels per pixel, 1-4"},
				cli.IntFlag{Name: "orientation", Value: thumbnail.DefaultOrientation, Usage: "EXIF orientation, 1-8"},
			}, outputFlags...),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if c.GlobalBool("debug") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func runFile(c *cli.Context) error {
	in := c.String("in")
	if in == "" {
		return cli.NewExitError("--in is required", 2)
	}
	req := thumbnail.NewFileRequest(in, c.Int("size"), c.Int("quality"))
	return run(c, req)
}

func runRaw(c *cli.Context) error {
	in := c.String("in")
	if in == "" {
		return cli.NewExitError("--in is required", 2)
	}
	buf, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	req := thumbnail.NewRawRequest(
		buf,
		c.Int("width"),
		c.Int("height"),
		c.Int("bands"),
		c.Int("orientation"),
		c.Int("size"),
		c.Int("quality"),
	)
	return run(c, req)
}

func run(c *cli.Context, req *thumbnail.Request) error {
	logger := newLogger(c)

	thumbnailer, lifecycle := backend.NewThumbnailer(backend.DefaultRuntimeOptions(), thumbnail.WithLogger(logger))
	defer lifecycle.Shutdown()

	out := c.String("out")
	if out != "" {
		req.ToPath(out)
	}

	if err := thumbnailer.Thumbnail(context.Background(), req); err != nil {
		logger.Error().Err(err).Str("failed_at", req.FailedAt.String()).Msg("thumbnail failed")
		return cli.NewExitError(err.Error(), 1)
	}

	srcW, srcH := req.DisplayDimensions()
	logger.Info().
		Str("backend", backend.Name).
		Int("source_width", srcW).
		Int("source_height", srcH).
		Int("thumb_width", req.ThumbWidth).
		Int("thumb_height", req.ThumbHeight).
		Bool("has_alpha", req.HasAlpha).
		Str("format", req.Format).
		Str("out", out).
		Msg("thumbnail created")

	if out == "" {
		_, err := os.Stdout.Write(req.Output)
		return err
	}
	return nil
}
