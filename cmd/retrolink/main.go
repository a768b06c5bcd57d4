// Command retrolink is the CLI frontend for the linker core: it parses
// spec.md §6's flag surface, drives the read → merge → layout → resolve
// → write pipeline for "link", and offers a minimal structural dump for
// "dump".
package main

import "os"

func main() {
	os.Exit(Execute())
}
