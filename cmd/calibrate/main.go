// Package main is the checkerboard calibration command. It calibrates a camera from a video or
// a directory of checkerboard images and then undistorts a target video with the result.
package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"go.viam.com/camcalib/calibration"
	"go.viam.com/camcalib/logging"
)

const (
	// Flags.
	flagDebug      = "debug"
	flagWorkers    = "workers"
	flagTrySwapped = "try-swapped"
	flagRational   = "rational"
	flagLogFile    = "log-file"
)

const usageArgs = "<board_source> <framerate> <rows> <cols> <target_video>"

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.Bold, color.FgRed).Sprint("error: ")+describe(err))
		os.Exit(1)
	}
}

func newApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:      "calibrate",
		Usage:     "calibrate a camera from checkerboard frames and undistort a video with it",
		UsageText: "calibrate [flags] " + usageArgs + "\n\nFlags must come before the positional arguments.",
		ArgsUsage: usageArgs,
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"d"},
				Usage:   "write annotated detections and a reprojection plot, and log at debug level",
			},
			&cli.IntFlag{
				Name:  flagWorkers,
				Value: runtime.NumCPU(),
				Usage: "number of frames processed concurrently",
			},
			&cli.BoolFlag{
				Name:  flagTrySwapped,
				Usage: "also search for the board with rows and columns exchanged",
			},
			&cli.BoolFlag{
				Name:  flagRational,
				Usage: "fit the 8 coefficient rational distortion model",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`, rotated by size",
			},
		},
		Action: runCalibrate,
	}
}

type arguments struct {
	boardSource string
	fps         float64
	grid        calibration.GridSpec
	target      string
}

// misplacedFlag returns the first positional argument that looks like a flag. Flags are only
// parsed before the positional arguments.
func misplacedFlag(args cli.Args) (string, bool) {
	for _, arg := range args.Slice() {
		if len(arg) < 2 || !strings.HasPrefix(arg, "-") {
			continue
		}
		if _, err := strconv.ParseFloat(arg, 64); err == nil {
			continue
		}
		return arg, true
	}
	return "", false
}

func parseArgs(args cli.Args) (arguments, error) {
	if flag, ok := misplacedFlag(args); ok {
		return arguments{}, errors.Wrapf(calibration.ErrInvalidInput,
			"flag %q must come before %s", flag, usageArgs)
	}
	if args.Len() != 5 {
		return arguments{}, errors.Wrapf(calibration.ErrInvalidInput, "expected arguments %s, got %d arguments",
			usageArgs, args.Len())
	}
	fps, err := strconv.ParseFloat(args.Get(1), 64)
	if err != nil || fps <= 0 || math.IsInf(fps, 0) || math.IsNaN(fps) {
		return arguments{}, errors.Wrapf(calibration.ErrInvalidInput, "framerate must be a positive number, got %q", args.Get(1))
	}
	rows, err := strconv.Atoi(args.Get(2))
	if err != nil {
		return arguments{}, errors.Wrapf(calibration.ErrInvalidInput, "rows must be an integer, got %q", args.Get(2))
	}
	cols, err := strconv.Atoi(args.Get(3))
	if err != nil {
		return arguments{}, errors.Wrapf(calibration.ErrInvalidInput, "cols must be an integer, got %q", args.Get(3))
	}
	grid := calibration.GridSpec{Rows: rows, Cols: cols}
	if err := grid.CheckValid(); err != nil {
		return arguments{}, err
	}
	return arguments{boardSource: args.Get(0), fps: fps, grid: grid, target: args.Get(4)}, nil
}

// newLogger builds the command's logger. The returned close func releases the log file, if any.
func newLogger(c *cli.Context) (logging.Logger, func() error) {
	logger := logging.NewLogger("calibrate")
	if c.Bool(flagDebug) {
		logger = logging.NewDebugLogger("calibrate")
	}
	path := c.String(flagLogFile)
	if path == "" {
		return logger, func() error { return nil }
	}
	file := logging.NewFileAppender(logging.FileAppenderConfig{Filename: path})
	logger.AddAppender(file)
	return logger, file.Close
}

func runCalibrate(c *cli.Context) error {
	args, err := parseArgs(c.Args())
	if err != nil {
		return err
	}
	if c.Int(flagWorkers) < 1 {
		return errors.Wrapf(calibration.ErrInvalidInput, "--%s must be at least 1", flagWorkers)
	}
	src, err := calibration.NewSource(args.boardSource)
	if err != nil {
		return err
	}
	target, err := calibration.CheckTarget(args.target)
	if err != nil {
		return err
	}

	logger, closeLog := newLogger(c)
	defer func() {
		utils.UncheckedErrorFunc(logger.Sync)
		utils.UncheckedErrorFunc(closeLog)
	}()
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cal := calibration.NewCalibrator(logger, calibration.Options{
		Debug:            c.Bool(flagDebug),
		Workers:          c.Int(flagWorkers),
		AllowSwappedGrid: c.Bool(flagTrySwapped),
		RationalModel:    c.Bool(flagRational),
	})
	res, err := cal.Calibrate(ctx, src, args.grid, args.fps)
	if err != nil {
		return err
	}
	if err := printSummary(c.App.Writer, src, res); err != nil {
		return err
	}

	outDir, n, err := cal.UndistortTarget(ctx, res, target, args.fps)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(c.App.Writer, "%s already exists, not undistorting again\n", bold("%s", outDir))
	} else {
		fmt.Fprintf(c.App.Writer, "Wrote %s undistorted frames to %s\n", bold("%d", n), bold("%s", outDir))
	}
	return nil
}

func printSummary(w io.Writer, src calibration.Source, res calibration.Result) error {
	sum, err := calibration.Summarize(res)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, bold("Calibration:"))
	fmt.Fprintf(w, "  Source: %s\n", src.Path)
	fmt.Fprintf(w, "  Record: %s\n", src.RecordPath())
	fmt.Fprintf(w, "  Grid: %dx%d, image %dx%d, %d views\n",
		res.Grid.Rows, res.Grid.Cols, res.ImageSize.X, res.ImageSize.Y, sum.Frames)
	fmt.Fprintln(w, "  Camera matrix:")
	for _, row := range res.CameraMatrix {
		fmt.Fprintf(w, "    [%12.4f %12.4f %12.4f]\n", row[0], row[1], row[2])
	}
	fmt.Fprintf(w, "  Distortion: %v\n", res.DistCoeffs)
	fmt.Fprintf(w, "  RMS error: %s\n", errorString(res.ReprojErrorRMS))
	fmt.Fprintf(w, "  Mean error per frame: %s (median %.4f, max %.4f at frame %d)\n",
		errorString(sum.Mean), sum.Median, sum.Max, sum.Worst)
	return nil
}

// errorString colors a pixel error by how usable the calibration is.
func errorString(e float64) string {
	switch {
	case e < 0.5:
		return color.New(color.Bold, color.FgGreen).Sprintf("%.4f px", e)
	case e < 1:
		return color.New(color.Bold, color.FgYellow).Sprintf("%.4f px", e)
	default:
		return color.New(color.Bold, color.FgRed).Sprintf("%.4f px", e)
	}
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func describe(err error) string {
	if errors.Is(err, calibration.ErrInconsistentState) {
		return "calibration artifacts are out of sync: " + err.Error()
	}
	return err.Error()
}
