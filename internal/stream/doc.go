// Package stream implements a fixed-capacity circular buffer per path.
//
// Push always overwrites the least recently written slot of the path,
// whether or not that slot still holds a valid entry, so the row count of a
// path never changes. Clear only invalidates entries. Streams are never
// created on demand: pushing to a path without slots is an error.
package stream
