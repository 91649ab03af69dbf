package cmdline

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aceeric/ocibuilder/impl/config"
	"github.com/aceeric/ocibuilder/impl/globals"

	"github.com/urfave/cli/v3"
)

// fromCmdline will be populated with flags indicating which configuration settings were
// specified on the command line.
var fromCmdline config.FromCmdLine

// cfg has the parsed configuration - including defaults (e.g. base image) if the user does
// not override
var cfg = config.Configuration{}

// isDir validates that a flag value is an existing directory
func isDir(path string) error {
	if fi, err := os.Stat(path); err != nil {
		return fmt.Errorf("directory not found")
	} else if !fi.IsDir() {
		return fmt.Errorf("not a directory")
	}
	return nil
}

// cmds is for the command line parser urfave/cli
var cmds = &cli.Command{
	Name:  "ocibuilder",
	Usage: "assembles a Java application and its runtime onto a base image as an OCI image layout, without a container engine",
	// define this or the parser terminates the program
	ExitErrHandler: func(_ context.Context, _ *cli.Command, _ error) {},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Value:       "info",
			Usage:       "Sets the minimum value for logging: trace, debug, info, warn, or error",
			Destination: &cfg.LogLevel,
			Validator: func(lvl string) error {
				validValues := []string{"trace", "debug", "info", "warn", "error"}
				if !slices.Contains(validValues, strings.ToLower(lvl)) {
					return fmt.Errorf("must be one of %s", strings.Join(validValues, ", "))
				}
				return nil
			},
			Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
				fromCmdline.LogLevel = true
				return nil
			},
		},
		&cli.StringFlag{
			Name:        "config-file",
			Usage:       "A file to load configuration values from (cmdline overrides file settings)",
			Destination: &cfg.ConfigFile,
			Validator: func(path string) error {
				if fi, err := os.Stat(path); err != nil {
					return fmt.Errorf("file not found")
				} else if fi.IsDir() {
					return fmt.Errorf("not a file")
				}
				return nil
			},
			Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
				fromCmdline.ConfigFile = true
				return nil
			},
		},
		&cli.StringFlag{
			Name:        "log-file",
			Value:       "",
			Usage:       "log to the specified file rather than the console",
			Destination: &cfg.LogFile,
			Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
				fromCmdline.LogFile = true
				return nil
			},
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "build",
			Usage: "Builds an OCI image layout from a base image, a runtime directory, and an application directory",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				fromCmdline.Command = "build"
				return nil
			},
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:        "jre",
					Usage:       "The runtime directory, mounted in the image at /opt/jre",
					Destination: &cfg.RuntimeDir,
					Validator:   isDir,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.RuntimeDir = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "app",
					Usage:       "The application directory, mounted in the image at /opt/app",
					Destination: &cfg.AppDir,
					Validator:   isDir,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.AppDir = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "module",
					Usage:       "The application module to run, e.g. 'com.example.app'",
					Destination: &cfg.Module,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.Module = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "main-class",
					Value:       globals.DefaultMainClass,
					Usage:       "The main class, relative to the module",
					Destination: &cfg.MainClass,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.MainClass = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "out",
					Value:       globals.DefaultOutDir,
					Usage:       "The directory to write the image layout to",
					Destination: &cfg.OutDir,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.OutDir = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "base-image",
					Value:       globals.DefaultBaseImage,
					Usage:       "The base image to build on",
					Destination: &cfg.BaseImage,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.BaseImage = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "tag",
					Value:       globals.DefaultTag,
					Usage:       "The ref name annotation for the image in index.json",
					Destination: &cfg.Tag,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.Tag = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "os",
					Value:       "linux",
					Usage:       "The operating system of the base image to pull",
					Destination: &cfg.Os,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.Os = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "arch",
					Value:       "amd64",
					Usage:       "The architecture of the base image to pull",
					Destination: &cfg.Arch,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.Arch = true
						return nil
					},
				},
				&cli.DurationFlag{
					Name:        "pull-timeout",
					Value:       time.Minute,
					Usage:       "The max time for any one request to the upstream registry, e.g. '90s'",
					Destination: &cfg.PullTimeout,
					Action: func(ctx context.Context, cmd *cli.Command, _ time.Duration) error {
						fromCmdline.PullTimeout = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "cache-dir",
					Usage:       "Keeps downloaded base image blobs in this directory for reuse by later builds",
					Destination: &cfg.CacheDir,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.CacheDir = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "metrics-file",
					Usage:       "Writes build metrics to this file in the node exporter textfile format",
					Destination: &cfg.MetricsFile,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.MetricsFile = true
						return nil
					},
				},
				&cli.BoolFlag{
					Name:        "keep-base-layers",
					Value:       false,
					Usage:       "Copies the base image layers as they are instead of merging them into one layer",
					Destination: &cfg.KeepBaseLayers,
					Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
						fromCmdline.KeepBaseLayers = true
						return nil
					},
				},
				&cli.BoolFlag{
					Name:        "concurrent",
					Value:       false,
					Usage:       "Pulls the base layers and packs the runtime and application layers in parallel",
					Destination: &cfg.Concurrent,
					Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
						fromCmdline.Concurrent = true
						return nil
					},
				},
				&cli.BoolFlag{
					Name:        "force",
					Value:       false,
					Usage:       "Replaces the output directory if it is not empty",
					Destination: &cfg.Force,
					Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
						fromCmdline.Force = true
						return nil
					},
				},
				&cli.BoolFlag{
					Name:        "progress",
					Value:       false,
					Usage:       "Shows a progress bar for each base layer download",
					Destination: &cfg.Progress,
					Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
						fromCmdline.Progress = true
						return nil
					},
				},
			},
		},
		{
			Name:  "jre",
			Usage: "Links a trimmed runtime for an application module with jlink",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				fromCmdline.Command = "jre"
				return nil
			},
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:        "module-path",
					Usage:       "The directory with the application module and its dependencies",
					Destination: &cfg.JreConfig.ModulePath,
					Validator:   isDir,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.JreConfig = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "module",
					Usage:       "The module to link the runtime for",
					Destination: &cfg.JreConfig.Module,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.JreConfig = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "out",
					Usage:       "The runtime directory to create (removed first if it exists)",
					Destination: &cfg.JreConfig.OutDir,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.JreConfig = true
						return nil
					},
				},
				&cli.StringFlag{
					Name:        "java-home",
					Usage:       "The JDK to link from. Defaults to $JAVA_HOME",
					Destination: &cfg.JreConfig.JavaHome,
					Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
						fromCmdline.JreConfig = true
						return nil
					},
				},
			},
		},
		{
			Name:  "version",
			Usage: "Displays the version",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				fromCmdline.Command = "version"
				return nil
			},
		},
	},
}

// Parse parses the command line. It returns the following:
//
//  1. A FromCmdLine struct which has the command to run ("build", "jre", etc.). If the command
//     is the empty string then no sub-command was specified in which case the parser auto-displays
//     help. This struct also has flags telling you which configuration values were provided by the
//     user on the command line.
//  2. A Configuration struct containing the parsed configuration values. For any configuration flag
//     in the FromCmdLine struct with a false value, the corresponding configuration value in *this*
//     struct will be the default.
//  3. An error, if the parser returned one, else nil.
func Parse() (config.FromCmdLine, config.Configuration, error) {
	if err := cmds.Run(context.Background(), os.Args); err != nil {
		return config.FromCmdLine{}, config.Configuration{}, err
	}
	return fromCmdline, cfg, nil
}

// ClearParse supports unit testing
func ClearParse() {
	fromCmdline = config.FromCmdLine{}
	cfg = config.Configuration{}
}
