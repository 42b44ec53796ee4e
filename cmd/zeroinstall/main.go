// Command zeroinstall is the injector's command-line front end: select,
// fetch, run, and inspect feeds, generalizing rope's package-manager CLI
// into a decentralized-distribution one. Grounded directly on rope's
// main.go: the same run(args) (int, error) dispatch shape, the same
// pflag.NewFlagSet-per-subcommand parsing, and the same thin main()
// wrapper that only calls os.Exit. Unlike rope's main.go, subcommands
// never reach through package-level globals (var cache *Cache, var env
// *Environment) — each builds a config.Provider once and threads it
// explicitly, per spec §9's redesign flag.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/pflag"

	"github.com/AlexanderEkdahl/zeroinstall/config"
	"github.com/AlexanderEkdahl/zeroinstall/feed"
	"github.com/AlexanderEkdahl/zeroinstall/internal/logging"
	"github.com/AlexanderEkdahl/zeroinstall/model"
	"github.com/AlexanderEkdahl/zeroinstall/selections"
	"github.com/AlexanderEkdahl/zeroinstall/solver"
)

// Version identifies the version of zeroinstall. Overwritten by CI
// during release, same as rope's Version var.
var Version = "dev"

const defaultHelp = `zeroinstall resolves, fetches, and runs digest-addressed software 🔗

Usage:

  zeroinstall <command> [options]

The commands are:

  select       resolve a feed's dependencies into a selections document
  fetch        resolve and download every implementation a feed needs
  run          resolve, fetch, and execute a feed's default command
  env          print the environment a selections document would run with
  version      show zeroinstall version
`

func run(args []string) (int, error) {
	arg := ""
	if len(args) > 1 {
		arg = args[1]
	}

	switch arg {
	case "", "help", "--help", "-h":
		fmt.Print(defaultHelp)
		return 2, nil
	case "version", "--version":
		fmt.Printf("zeroinstall version: %s\n", Version)
		return 0, nil
	case "select":
		return cmdSelect(args[1:])
	case "fetch":
		return cmdFetch(args[1:])
	case "run":
		return cmdRun(args[1:])
	case "env":
		return cmdEnv(args[1:])
	default:
		fmt.Printf("zeroinstall %s: unknown command\n", arg)
		return 2, nil
	}
}

// commonFlags are shared across select/fetch/run: the feed to resolve,
// the command within it, and where to save the resulting selections
// document.
type commonFlags struct {
	command  *string
	saveTo   *string
	logLevel *string
	offline  *bool
	minimal  *bool
	testing  *bool
}

func addCommonFlags(fs *pflag.FlagSet) commonFlags {
	return commonFlags{
		command:  fs.String("command", "", "command within the feed to resolve (default: the implementation's main path)"),
		saveTo:   fs.String("save-to", "", "write the resulting selections document to this path"),
		logLevel: fs.String("log-level", "info", "debug, info, warn, or error"),
		offline:  fs.Bool("offline", false, "do not use the network"),
		minimal:  fs.Bool("minimal", false, "prefer already-cached implementations"),
		testing:  fs.Bool("help-with-testing", false, "accept testing implementations as readily as stable"),
	}
}

func buildProvider(flags commonFlags) (*config.Provider, error) {
	dirs, err := config.DefaultDirs()
	if err != nil {
		return nil, err
	}
	p, err := config.New(dirs, nil, nil)
	if err != nil {
		return nil, err
	}

	p.Feeds.Logger = logging.New(os.Stderr, *flags.logLevel)

	if *flags.offline {
		p.Feeds.NetworkUse = feed.NetworkOffline
	} else if *flags.minimal {
		p.Feeds.NetworkUse = feed.NetworkMinimal
	}
	return p, nil
}

func resolve(args []string) (*config.Provider, *model.Selections, error) {
	fs := pflag.NewFlagSet("select", pflag.ContinueOnError)
	flags := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() < 1 {
		return nil, nil, fmt.Errorf("zeroinstall: a feed URI is required")
	}
	feedURI := model.FeedURI(fs.Arg(0))

	p, err := buildProvider(flags)
	if err != nil {
		return nil, nil, err
	}

	req := solver.Requirements{
		RootURI:         feedURI,
		Command:         *flags.command,
		Arch:            hostArchitecture(),
		HelpWithTesting: *flags.testing || p.Config.HelpWithTesting,
		NetworkMinimal:  *flags.minimal,
	}

	sel, err := p.Resolve(context.Background(), req)
	if err != nil {
		return nil, nil, err
	}

	if *flags.saveTo != "" {
		if err := selections.Save(*flags.saveTo, sel); err != nil {
			return nil, nil, err
		}
	}

	return p, sel, nil
}

func cmdSelect(args []string) (int, error) {
	_, sel, err := resolve(args)
	if err != nil {
		return 1, err
	}
	data, err := selections.Marshal(sel)
	if err != nil {
		return 1, err
	}
	os.Stdout.Write(data)
	return 0, nil
}

func cmdFetch(args []string) (int, error) {
	_, _, err := resolve(args)
	if err != nil {
		return 1, err
	}
	return 0, nil
}

func cmdRun(args []string) (int, error) {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if fs.NArg() < 1 {
		return 2, fmt.Errorf("zeroinstall run: a feed URI is required")
	}
	feedURI := model.FeedURI(fs.Arg(0))
	userArgs := fs.Args()[1:]

	p, err := buildProvider(flags)
	if err != nil {
		return 1, err
	}

	req := solver.Requirements{
		RootURI:         feedURI,
		Command:         *flags.command,
		Arch:            hostArchitecture(),
		HelpWithTesting: *flags.testing || p.Config.HelpWithTesting,
		NetworkMinimal:  *flags.minimal,
	}

	sel, err := p.Resolve(context.Background(), req)
	if err != nil {
		return 1, err
	}

	code, err := p.Run(context.Background(), sel, userArgs)
	if err != nil {
		return 1, err
	}
	return code, nil
}

// cmdEnv prints the environment a previously-saved selections document
// would execute its command with, generalizing rope's pythonpath.go
// from "print PYTHONPATH" to "print every binding-derived variable."
func cmdEnv(args []string) (int, error) {
	fs := pflag.NewFlagSet("env", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	if fs.NArg() < 1 {
		return 2, fmt.Errorf("zeroinstall env: a selections document path is required")
	}

	sel, err := selections.Load(fs.Arg(0))
	if err != nil {
		return 1, err
	}

	dirs, err := config.DefaultDirs()
	if err != nil {
		return 1, err
	}
	p, err := config.New(dirs, nil, nil)
	if err != nil {
		return 1, err
	}

	plan, err := p.Executor.Plan(sel, nil)
	if err != nil {
		return 1, err
	}
	defer plan.Cleanup()

	for _, kv := range plan.Env {
		fmt.Println(kv)
	}
	return 0, nil
}

func hostArchitecture() model.Architecture {
	return model.Architecture{OS: hostOS(), Cpu: hostCpu()}
}

func hostOS() model.OS {
	switch runtime.GOOS {
	case "linux":
		return model.OSLinux
	case "darwin":
		return model.OSDarwin
	case "windows":
		return model.OSWindows
	default:
		return model.OSUnknown
	}
}

func hostCpu() model.Cpu {
	switch runtime.GOARCH {
	case "amd64":
		return model.CpuX86_64
	case "386":
		return model.CpuI686
	case "arm64":
		return model.CpuArm64
	default:
		return model.CpuUnknown
	}
}

func main() {
	exitCode, err := run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode)
}
