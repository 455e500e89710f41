// Package remote retrieves configuration and allocation documents.
//
// HTTPFetcher talks to the participant endpoints
//
//	{endpoint}/v1/{environment}/{uid}/configuration.json
//	{endpoint}/v1/{environment}/{uid}/allocations
//
// and StaticFetcher serves documents already in memory (CLI evaluation,
// scenario tests). Both implement store.Fetcher.
package remote
