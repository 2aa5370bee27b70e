// Package pipeline drives generation tasks through an ordered stage pipeline
// on top of asynq, persisting every transition in a relational store so
// external pollers see intermediate progress.
//
// Quick start:
//  1. Create a SQL DB and apply the schema in store_schema.sql.
//  2. Wire a *sql.DB into NewSQLStore and a credit Ledger into NewCompensator.
//  3. Build an Orchestrator from the store, a catalog.Selector, a
//     gateway.Gateway and the watermark/upload collaborators.
//  4. Create a Client with NewClient and submit with Submit.
//  5. Create a Processor and Start it; optionally run a Sweeper to abandon
//     runs that stopped making progress.
package pipeline
