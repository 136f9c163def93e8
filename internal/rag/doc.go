// Package rag ingests reference documents and serves hybrid retrieval.
//
// Ingestion splits a document into overlapping chunks, embeds each chunk into
// a chunk collection and generates hypothetical questions that each chunk
// answers, embedded into a separate question collection. Retrieval searches
// both collections: the direct path matches queries against chunk text, the
// HyDE path matches them against the generated questions and resolves each
// hit back to its owning chunk. The two result sets are merged by chunk id.
package rag
