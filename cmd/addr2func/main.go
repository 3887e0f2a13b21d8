// Program addr2func resolves a sampled address against an ELF binary's
// symbol and DWARF line tables, the same resolution internal/symtab
// performs inside the profiler, exposed standalone for debugging a
// profile that shows an unexpected "?" frame.
package main

import (
	"flag"
	"fmt"

	"github.com/perfstacks/nprof/internal/proctree"
	"github.com/perfstacks/nprof/internal/symbolize"
)

func main() {
	path := flag.String("path", "", "path to the ELF file")
	sampledAddr := flag.Uint64("addr", 0, "sampled virtual address to resolve")
	memoryStart := flag.Uint64("memory-start", 0x401000, "virtual address where the mapping started, e.g. vm_start from /proc/<pid>/maps")
	fileOffset := flag.Uint64("file-offset", 0x1000, "file offset of the mapped segment")
	flag.Parse()

	e := symbolize.New(*path)
	dso := &proctree.DSO{
		Start:  *memoryStart,
		Offset: *fileOffset,
		Kind:   proctree.KindStandard,
	}

	fileRelative := *sampledAddr - *memoryStart + *fileOffset
	funcName, line := e.Symbolize(dso, fileRelative)
	if funcName == "" {
		funcName = "?"
	}
	fmt.Printf("%s:%d\n", funcName, line)
}
