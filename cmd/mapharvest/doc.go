// Command mapharvest crawls map listings for a set of locations and
// business categories, one geographic segment at a time, and resumes where
// it left off after a pause or crash.
//
// Architecture overview:
//   - Orchestration: internal/crawl.Orchestrator resolves each location to an area (Nominatim), partitions it
//     into grid segments, and runs every pending category on every segment through the extraction port. A
//     (location, category) task is marked complete in the state file only after its records were appended.
//   - Extraction: internal/extract/gmaps drives a Chrome instance via chromedp, scrolls the results feed until
//     idle, and parses listing cards with goquery. Pauses between operations come from internal/schedule.
//   - Persistence: results are deduplicated by identity and checkpointed to mirrored CSV and XLSX files with a
//     backup/restore discipline; the execution state is a versioned JSON file written atomically.
//   - Optional infrastructure: checkpoint snapshots are archived to local disk or GCS, records and run history are
//     mirrored to Postgres, a run summary is published to Pub/Sub, and progress events feed zap logs, Prometheus
//     collectors and the run history tables.
//
// Operational notes:
//   - The first SIGINT/SIGTERM pauses at the next task boundary after a final checkpoint; a second one kills
//     the process. Rerunning the same command resumes.
//   - Changing crawl.grid_size for a partially completed location is refused; that location is skipped until the
//     previous grid size is restored or its state entry is removed.
//   - Configure via a file (--config) and MAPHARVEST_* environment variables, e.g. MAPHARVEST_CRAWL_GRID_SIZE=3,
//     MAPHARVEST_DATABASE_DSN, MAPHARVEST_STORAGE_BACKEND=gcs with MAPHARVEST_STORAGE_BUCKET.
//
// Quick checklist:
//   - mapharvest crawl --config config.yaml
//   - mapharvest crawl --location "Rosario, Santa Fe, Argentina" --categories "cafe,bakery" --grid-size 3
//   - mapharvest status --config config.yaml
//   - mapharvest runs --status failed (requires database.dsn)
package main
