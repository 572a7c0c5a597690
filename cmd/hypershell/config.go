package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/hypershell/hypershell/internal/apperr"
	"github.com/hypershell/hypershell/internal/config"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "inspect and edit the layered configuration",
	Subcommands: []*cli.Command{
		configGetCommand,
		configSetCommand,
		configEditCommand,
		configWhichCommand,
	},
}

var configGetCommand = &cli.Command{
	Name:      "get",
	Usage:     "print a resolved config value, or the whole tree if no key is given",
	ArgsUsage: "[key]",
	Action: func(c *cli.Context) error {
		settings, _, err := loadApp(c)
		if err != nil {
			return err
		}

		k := koanf.New(".")
		if err := k.Load(structs.Provider(*settings, "koanf"), nil); err != nil {
			return apperr.Config(err)
		}

		key := c.Args().First()
		if key == "" {
			out, err := yamlv3.Marshal(settings)
			if err != nil {
				return apperr.Config(err)
			}
			fmt.Print(string(out))
			return nil
		}
		if !k.Exists(key) {
			return apperr.Config(fmt.Errorf("config get: unknown key %q", key))
		}
		fmt.Println(k.Get(key))
		return nil
	},
}

var configSetCommand = &cli.Command{
	Name:      "set",
	Usage:     "set a key in the local config file",
	ArgsUsage: "<key> <value>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return apperr.Config(fmt.Errorf("config set: usage: config set <key> <value>"))
		}
		path := c.String("config")
		if path == "" {
			path = config.LocalConfigPath
		}
		key, value := c.Args().Get(0), c.Args().Get(1)

		tree, err := readLocalTree(path)
		if err != nil {
			return apperr.Config(err)
		}
		setDotted(tree, key, coerceValue(value))

		out, err := yamlv3.Marshal(tree)
		if err != nil {
			return apperr.Config(err)
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return apperr.Config(fmt.Errorf("write %s: %w", path, err))
		}
		return nil
	},
}

var configEditCommand = &cli.Command{
	Name:  "edit",
	Usage: "open the local config file in $EDITOR",
	Action: func(c *cli.Context) error {
		path := c.String("config")
		if path == "" {
			path = config.LocalConfigPath
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			defaults, marshalErr := yamlv3.Marshal(config.Defaults())
			if marshalErr != nil {
				return apperr.Config(marshalErr)
			}
			if err := os.WriteFile(path, defaults, 0o644); err != nil {
				return apperr.Config(fmt.Errorf("seed %s: %w", path, err))
			}
		}

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}
		cmd := exec.Command(editor, path)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := cmd.Run(); err != nil {
			return apperr.Config(fmt.Errorf("edit %s: %w", path, err))
		}
		return nil
	},
}

var configWhichCommand = &cli.Command{
	Name:  "which",
	Usage: "print the config files considered, marking which exist",
	Action: func(c *cli.Context) error {
		local := c.String("config")
		if local == "" {
			local = config.LocalConfigPath
		}
		candidates := []string{config.SystemConfigPath, userConfigFile(), local}
		for _, path := range candidates {
			if path == "" {
				continue
			}
			mark := "absent"
			if _, err := os.Stat(path); err == nil {
				mark = "present"
			}
			fmt.Printf("%s\t%s\n", mark, path)
		}
		return nil
	},
}

func userConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hypershell", "config.yml")
}

// readLocalTree loads the local config file into a generic map, or an
// empty map if the file doesn't exist yet.
func readLocalTree(path string) (map[string]any, error) {
	tree := map[string]any{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return tree, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return k.Raw(), nil
}

// setDotted sets a dotted key (e.g. "autoscale.size.max") inside a
// nested map tree, creating intermediate maps as needed.
func setDotted(tree map[string]any, key string, value any) {
	parts := splitDotted(key)
	node := tree
	for i, part := range parts {
		if i == len(parts)-1 {
			node[part] = value
			return
		}
		next, ok := node[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[part] = next
		}
		node = next
	}
}

func splitDotted(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])
	return parts
}

// coerceValue turns a raw CLI string into a bool/int/float when it
// looks like one, so `config set server.port 50001` doesn't land as
// the string "50001" and fail struct validation on unmarshal.
func coerceValue(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
