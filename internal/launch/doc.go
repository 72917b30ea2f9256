// Package launch holds the data model shared by the store, the reconciler,
// the schedule calculator and the dispatch engine.
package launch
