// Command crateloader inspects and drives the dynamic kernel crate loader
// from the command line. It plays the same role in this repository that
// chentry.go plays in biscuit: a small, direct debug/elf-backed tool rather
// than a general-purpose framework, built for a developer at a shell prompt
// rather than another program.
package main

import (
	"fmt"
	"log"
	"os"
)

func usage(me string) {
	fmt.Printf(`%s <command> [args]

Commands:
  load <crate.o>                load a relocatable kernel crate object and
                                 print its sections and exported symbols
  nanocore-elf <kernel.elf>     adopt a full nano_core ELF image and print
                                 the sections/symbols recovered from it
  nanocore-dump <symbols.txt>   adopt a nano_core readelf-style symbol dump
  demo <crate.o> <symbol>       load a crate and, on linux/amd64, run its
                                 named exported function as real executable
                                 machine code
`, me)
	os.Exit(1)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("crateloader: ")

	if len(os.Args) < 2 {
		usage(os.Args[0])
	}

	var err error
	switch os.Args[1] {
	case "load":
		if len(os.Args) != 3 {
			usage(os.Args[0])
		}
		err = runLoad(os.Args[2])
	case "nanocore-elf":
		if len(os.Args) != 3 {
			usage(os.Args[0])
		}
		err = runNanocoreELF(os.Args[2])
	case "nanocore-dump":
		if len(os.Args) != 3 {
			usage(os.Args[0])
		}
		err = runNanocoreDump(os.Args[2])
	case "demo":
		if len(os.Args) != 4 {
			usage(os.Args[0])
		}
		err = runDemo(os.Args[2], os.Args[3])
	default:
		usage(os.Args[0])
	}

	if err != nil {
		log.Fatal(err)
	}
}
