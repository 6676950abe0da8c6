package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"graphchat/internal/config"
	"graphchat/internal/node"
	promptstore "graphchat/internal/prompt"
)

const promptUsage = `Usage:
  graphchat prompt render (--config <path> | --dir <path>) [--name <template>]

Flags:
  --config string   Path to YAML configuration file; prompts are read from paths.prompts_dir
  --dir    string   Prompts directory, used instead of --config
  --name   string   Template to render (default "system.jinja2")`

func prompt(args []string) error {
	if len(args) == 0 || args[0] != "render" {
		return fmt.Errorf("prompt requires the render subcommand\n\n%s", promptUsage)
	}
	return renderPrompt(os.Stdout, args[1:])
}

func renderPrompt(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("prompt render", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, promptUsage)
	}

	var cfgPath, dir, name string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&dir, "dir", "", "prompts directory")
	fs.StringVar(&name, "name", node.SystemPromptName, "template name")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse prompt flags: %w", err)
	}

	if dir == "" {
		if cfgPath == "" {
			return errors.New("prompt render requires --config <path> or --dir <path>")
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		dir = cfg.Paths.PromptsDir
	}

	store, err := promptstore.NewStore(dir, promptVars())
	if err != nil {
		return err
	}
	rendered, err := store.Render(name)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, rendered)
	return err
}

func promptVars() map[string]string {
	return map[string]string{"assistant_name": "graphchat"}
}
