/*
main.go - Application entry point

PURPOSE:
  Starts the relief allocation engine. Configuration comes from the
  environment (see config/config.go); a few flags override it.

COMMANDS:
  serve       HTTP API plus the background SLA scheduler
  sla-sweep   Run one SLA sweep against the configured store and exit

STARTUP SEQUENCE (serve):
  1. Load .env files and parse the environment
  2. Open the store selected by DB_DRIVER
  3. Open the audit sink selected by AUDIT_SINK
  4. Load the category map (CATEGORY_MAP_PATH or built-in defaults)
  5. Wire engine service, complaint desk and SLA scheduler
  6. Start the HTTP server and scheduler
  7. On SIGINT/SIGTERM: stop the scheduler, drain HTTP (30s), close store

EXAMPLES:
  # Local run on SQLite
  ./server serve --db ./data/relief.db

  # Postgres, no background sweeps, one sweep from cron instead
  DB_DRIVER=postgres DATABASE_URL=postgres://... SLA_ENABLED=false ./server serve
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server sla-sweep

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment keys
*/
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
