// Package domain defines the core business types for the event
// pipeline: events, delivery jobs, platforms, routing rules, the bot
// and email-validation registries, and event relationships.
//
// Types in this package are pure value objects with no behavior beyond
// small helpers, no database dependencies, and no HTTP concerns. They
// are the shared language between handlers, the pipeline, and
// repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Constants and enums belong here
package domain
