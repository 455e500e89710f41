// Package persist stores participant identity and cached payloads.
//
// Two KV implementations are provided: an in-memory map and a SQLite file
// (WAL mode, schema versioned through PRAGMA user_version). CachingFetcher
// layers a KV under a store.Fetcher so the last good payload survives a
// failed fetch.
package persist
