// Package storage persists decisions and variant code in visitor-local
// storage.
//
// Both stores keep a single JSON map under one fixed key and mutate it with
// read-modify-write through Backend.Update, so writing one identifier never
// clobbers another. Neither store returns errors: a failing or corrupt
// backend degrades to cache misses and dropped writes, which are logged.
package storage
