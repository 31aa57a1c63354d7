package db

import (
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand. Output goes to w.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return fmt.Errorf("missing migrate action")
	}

	// Open without applying migrations; they are what we are managing.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	migrations := Migrations()

	switch args[0] {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		return printVersion(w, database, migrations)
	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		return printVersion(w, database, migrations)
	case "status":
		if err := printVersion(w, database, migrations); err != nil {
			return err
		}
		latest, err := LatestMigrationVersion(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Latest available: %d\n", latest)
		return nil
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: rheometer migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		return printVersion(w, database, migrations)
	case "help":
		PrintMigrateHelp(w)
		return nil
	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("unknown migrate action %q", args[0])
	}
}

func printVersion(w io.Writer, database *DB, migrations fs.FS) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(w, "Current version: %d (dirty: %v)\n", version, dirty)
	if dirty {
		fmt.Fprintln(w, "A migration failed mid-execution; inspect the database and run: rheometer migrate force <version>")
	}
	return nil
}

// PrintMigrateHelp prints usage for the migrate subcommand.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: rheometer migrate <action> [args]

Actions:
  up              Apply all pending migrations
  down            Roll back the most recent migration
  status          Show current and latest schema versions
  force <version> Set the recorded version (dirty recovery only)
  help            Show this help
`)
}
