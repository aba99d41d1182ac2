package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dvoskoboinikov/raftlog/wal"
)

func main() {
	if len(os.Args) < 3 {
		panic("usage: waltool <log-dir> <records-per-partition>")
	}
	dir := os.Args[1]
	rpp, err := strconv.Atoi(os.Args[2])
	if err != nil {
		panic("records-per-partition must be an integer")
	}

	l, err := wal.Open(dir, wal.Options{RecordsPerPartition: uint32(rpp)}, wal.Hooks{})
	if err != nil {
		panic(err)
	}
	defer l.Close()

	fmt.Printf("state:        %s\n", l.State())
	fmt.Printf("term:         %d\n", l.CurrentTerm())
	fmt.Printf("last_index:   %d\n", l.LastIndex(false))
	fmt.Printf("commit_index: %d\n", l.LastIndex(true))
}
