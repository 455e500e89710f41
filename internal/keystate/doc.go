// Package keystate tracks which key paths of a remote source have been
// asked for, are in flight, or have arrived.
//
// A Table moves keys through needed → requested → loaded, or back from
// requested to needed when a fetch fails. Moves are atomic with respect to
// each other; callers never see a key in both needed and requested.
//
// The empty key path stands for "everything": loading "" covers every key,
// which is how eager (version 1) fetching is expressed.
package keystate
