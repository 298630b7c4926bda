// Package pipeline implements Prism's ordered document-transform processors,
// applied to a document before it reaches the text and vector backends
// (spec §4.6). A pipeline is a named, ordered list of processors; a
// collection may declare a default pipeline, and callers may name one
// explicitly per index() call.
package pipeline
