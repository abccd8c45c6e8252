/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the quota engine: runs the HTTP server, a one-off
  monthly escalation, seeding of a local hierarchy, and Postgres schema setup.

COMMANDS:
  serve      Start the HTTP API and the escalation scheduler
  escalate   Run the monthly escalation for one tenant and exit
  seed       Load nodes and orders from a YAML fixture into SQLite
  migrate    Create the hierarchy and order tables in Postgres

GLOBAL FLAGS:
  --config   YAML config file (see config/config.go)
  --db       SQLite database path, overrides storage.sqlite_path
             Use ":memory:" for in-memory database

STORAGE:
  Target snapshots, contributions and escalation runs always live in SQLite.
  Nodes and orders come from Postgres when storage.postgres_url (or
  DATABASE_URL) is set, otherwise from the same SQLite file.

EXAMPLES:
  ./server seed --file ./testdata/acme.yaml --db ./data/quota.db
  ./server serve --db ./data/quota.db --port 3000
  ./server escalate --tenant acme

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration file and environment
  - store/sqlite/sqlite.go: Snapshot store
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
