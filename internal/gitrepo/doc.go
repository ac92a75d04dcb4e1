// Package gitrepo contains helpers for interrogating and manipulating Git repositories.
//
// It exposes RepositoryClient for resolving repository roots, branches, and
// upstream state, and for performing the fetch and fast-forward pull cycle the
// sync engine relies on.
package gitrepo
