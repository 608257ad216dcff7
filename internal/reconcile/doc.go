// Package reconcile runs ingestion cycles: one feed fetch, normalization of
// every report, an upsert per surviving incident, then a single staleness
// clearing pass over everything the snapshot did not mention.
package reconcile
