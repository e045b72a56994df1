// Seshat: full-text search and event store for Matrix chat events, on
// SQLite plus an on-disk inverted index. No daemon required.
package main

import "github.com/seshatdb/seshat/internal/seshatcli"

func main() {
	seshatcli.Main()
}
