package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/quire/db"
	"github.com/teranos/quire/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:     "db",
	Aliases: []string{sym.DB},
	Short:   sym.Short("db", "Manage the quire database"),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Apply pending schema migrations. Every other command migrates on open;
this one exists to do it explicitly and list what is applied.`,
	Args: cobra.NoArgs,
	RunE: runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}

	pterm.Success.Printf("%s %s is up to date\n", sym.DB, cfg.Database.Path)
	for _, v := range versions {
		pterm.Printf("  %s\n", v)
	}
	return nil
}
