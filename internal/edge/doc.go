// Package edge holds the domain types and collaborator contracts shared by
// the crawler-aware delivery edge: CMS articles, membership records, and the
// interfaces the core consumes (content store, membership verifier,
// publisher, clock, ID generator, preview recorder).
package edge
