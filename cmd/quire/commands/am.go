package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/quire/am"
	"github.com/teranos/quire/errors"
	"github.com/teranos/quire/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:     "am",
	Aliases: []string{sym.AM},
	Short:   sym.Short("am", "Show and initialize configuration"),
	Long: sym.AM + ` am - quire configuration.

Configuration cascade (later overrides earlier):
  1. Built-in defaults
  2. /etc/quire/quire.toml
  3. ~/.quire/quire.toml
  4. quire.toml in the working directory or the nearest parent
  5. QUIRE_* environment variables (QUIRE_PULSE_MAX_ATTEMPTS, ...)

The API key is read from QUIRE_ANTHROPIC_API_KEY (or ANTHROPIC_API_KEY)
and is never written to a file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	Args:  cobra.NoArgs,
	RunE:  runAmInit,
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format (toml, json, yaml)")
	amShowCmd.Flags().Bool("sources", false, "Show which layer set each value")
	amInitCmd.Flags().String("path", "", "Where to write (default ~/.quire/quire.toml)")
	amInitCmd.Flags().Bool("force", false, "Replace an existing file, keeping it as .back1")

	AmCmd.AddCommand(amShowCmd, amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	sources, _ := cmd.Flags().GetBool("sources")

	if sources {
		rows := pterm.TableData{{"KEY", "VALUE", "SOURCE", "FROM"}}
		for _, s := range am.Introspect() {
			rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	shown := *cfg
	if shown.Anthropic.APIKey != "" {
		shown.Anthropic.APIKey = "(set)"
	}

	var data []byte
	switch format {
	case "json":
		data, err = json.MarshalIndent(shown, "", "  ")
		data = append(data, '\n')
	case "yaml":
		data, err = yaml.Marshal(shown)
	case "toml":
		data, err = toml.Marshal(shown)
	default:
		return errors.NewInvalidRequestError("unsupported format %q (supported: toml, json, yaml)", format)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to marshal config to %s", format)
	}

	if file := am.ActiveConfigFile(); file != "" {
		fmt.Printf("# %s quire configuration (from %s)\n", sym.AM, file)
	} else {
		fmt.Printf("# %s quire configuration (defaults)\n", sym.AM)
	}
	fmt.Print(string(data))

	if err := cfg.Validate(); err != nil {
		pterm.Warning.Printf("Configuration is invalid: %v\n", err)
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	force, _ := cmd.Flags().GetBool("force")

	if path == "" {
		path = am.UserConfigPath()
		if path == "" {
			return errors.WithHint(errors.New("could not determine home directory"), "pass --path")
		}
	}

	if err := am.WriteDefaultConfig(path, force); err != nil {
		return err
	}
	pterm.Success.Printf("%s Wrote default configuration to %s\n", sym.AM, path)
	pterm.Info.Println("Set QUIRE_ANTHROPIC_API_KEY in your environment before `quire pulse start`")
	return nil
}
