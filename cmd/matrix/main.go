// Command matrix is the CLI shell for the Matrix runtime.
//
// Usage:
//
//	matrix chat --config matrix.yml
//	matrix validate --config matrix.yml
//	matrix version
package main

import (
	"fmt"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Chat     ChatCmd     `cmd:"" help:"Start an interactive chat session."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`

	Config    string `short:"c" help:"Path to config file." default:"matrix.yml" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("matrix version %s\n", version)
	return nil
}

// ValidateCmd loads and validates the configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.LoadConfig(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("matrix"),
		kong.Description("Matrix - memory-augmented conversational agent runtime"),
		kong.UsageOnError(),
	)

	logger.Init(logger.Options{
		Level:  logger.ParseLevel(cli.LogLevel),
		Format: cli.LogFormat,
	})

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
